package correlation

import (
	"math"
	"testing"

	"github.com/exploopio/extrisk/pkg/xrs"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func findChain(chains []xrs.AttackChain, name string) (xrs.AttackChain, bool) {
	for _, c := range chains {
		if c.Name == name {
			return c, true
		}
	}
	return xrs.AttackChain{}, false
}

func TestDetectChainsCredentialHarvesting(t *testing.T) {
	eng := New(nil)

	chains := eng.DetectChains([]xrs.AttackChainEvent{
		{Kind: xrs.EventKeylogging, TimestampMs: 0, EvidenceCount: 1},
		{Kind: xrs.EventDataExfiltration, TimestampMs: 5000, EvidenceCount: 1},
	})

	if len(chains) != 1 {
		t.Fatalf("DetectChains returned %d chains, want 1", len(chains))
	}
	c := chains[0]
	if c.Name != "Credential Harvesting" {
		t.Errorf("chain name = %q, want Credential Harvesting", c.Name)
	}
	if !almostEqual(c.DurationSeconds, 5) {
		t.Errorf("duration = %v, want 5", c.DurationSeconds)
	}
	// 1 - (5/30)*0.3
	if !almostEqual(c.Confidence, 0.95) {
		t.Errorf("confidence = %v, want 0.95", c.Confidence)
	}
	if c.RiskBoost != 15 {
		t.Errorf("risk boost = %v, want 15", c.RiskBoost)
	}
}

func TestDetectChainsThreeStep(t *testing.T) {
	eng := New(nil)

	chains := eng.DetectChains([]xrs.AttackChainEvent{
		{Kind: xrs.EventKeylogging, TimestampMs: 0},
		{Kind: xrs.EventFormDataCapture, TimestampMs: 2000},
		{Kind: xrs.EventDataExfiltration, TimestampMs: 10000},
	})

	theft, ok := findChain(chains, "Credential Theft Chain")
	if !ok {
		t.Fatal("Credential Theft Chain not detected")
	}
	if !almostEqual(theft.DurationSeconds, 10) {
		t.Errorf("duration = %v, want 10", theft.DurationSeconds)
	}
	// 1 - (10/60)*0.3
	if !almostEqual(theft.Confidence, 0.95) {
		t.Errorf("confidence = %v, want 0.95", theft.Confidence)
	}

	// The two-step harvesting chain matches the same timeline.
	if _, ok := findChain(chains, "Credential Harvesting"); !ok {
		t.Error("Credential Harvesting not detected alongside the full chain")
	}

	if got := eng.ChainBoost(chains); got != 25 {
		t.Errorf("ChainBoost = %v, want capped 25", got)
	}
}

func TestDetectChainsWindowExceeded(t *testing.T) {
	eng := New(nil)

	chains := eng.DetectChains([]xrs.AttackChainEvent{
		{Kind: xrs.EventKeylogging, TimestampMs: 0},
		{Kind: xrs.EventDataExfiltration, TimestampMs: 31000},
	})
	if len(chains) != 0 {
		t.Fatalf("DetectChains returned %d chains outside the window, want 0", len(chains))
	}
}

func TestDetectChainsOrderMatters(t *testing.T) {
	eng := New(nil)

	chains := eng.DetectChains([]xrs.AttackChainEvent{
		{Kind: xrs.EventDataExfiltration, TimestampMs: 0},
		{Kind: xrs.EventKeylogging, TimestampMs: 1000},
	})
	if len(chains) != 0 {
		t.Fatalf("DetectChains returned %d chains for out-of-order steps, want 0", len(chains))
	}
}

func TestDetectChainsOneInstancePerTemplate(t *testing.T) {
	eng := New(nil)

	chains := eng.DetectChains([]xrs.AttackChainEvent{
		{Kind: xrs.EventKeylogging, TimestampMs: 0},
		{Kind: xrs.EventDataExfiltration, TimestampMs: 5000},
		{Kind: xrs.EventKeylogging, TimestampMs: 6000},
		{Kind: xrs.EventDataExfiltration, TimestampMs: 7000},
	})

	if len(chains) != 1 {
		t.Fatalf("DetectChains returned %d chains, want 1", len(chains))
	}
	if !almostEqual(chains[0].DurationSeconds, 5) {
		t.Errorf("duration = %v, want earliest instance duration 5", chains[0].DurationSeconds)
	}
}

func TestConfidenceFloorAndEvidenceScaling(t *testing.T) {
	eng := New(nil)

	// Full window spread lands on the floor.
	chains := eng.DetectChains([]xrs.AttackChainEvent{
		{Kind: xrs.EventKeylogging, TimestampMs: 0},
		{Kind: xrs.EventDataExfiltration, TimestampMs: 30000},
	})
	if len(chains) != 1 {
		t.Fatalf("DetectChains returned %d chains, want 1", len(chains))
	}
	if !almostEqual(chains[0].Confidence, 0.7) {
		t.Errorf("confidence = %v, want floor 0.7", chains[0].Confidence)
	}

	// Extra corroborating evidence raises confidence, capped at 1.
	chains = eng.DetectChains([]xrs.AttackChainEvent{
		{Kind: xrs.EventKeylogging, TimestampMs: 0, EvidenceCount: 3},
		{Kind: xrs.EventDataExfiltration, TimestampMs: 1000, EvidenceCount: 3},
	})
	if len(chains) != 1 {
		t.Fatalf("DetectChains returned %d chains, want 1", len(chains))
	}
	if chains[0].Confidence != 1 {
		t.Errorf("confidence = %v, want 1 with dense evidence", chains[0].Confidence)
	}
}

func TestCrossCorrelate(t *testing.T) {
	eng := New(nil)

	in := Input{
		Matches: []xrs.PatternMatch{
			{PatternID: "eval_call", Category: xrs.CategoryEval},
		},
		Permissions:      []string{"webRequestBlocking", "storage"},
		DataExfiltration: true,
	}
	ccs := eng.CrossCorrelate(in)

	names := make(map[string]float64, len(ccs))
	for _, cc := range ccs {
		names[cc.Name] = cc.Bonus
	}
	if b, ok := names["eval_with_observed_exfiltration"]; !ok || b != 15 {
		t.Errorf("eval_with_observed_exfiltration bonus = %v (found %v), want 15", b, ok)
	}
	if b, ok := names["webrequest_permission_with_observed_exfiltration"]; !ok || b != 5 {
		t.Errorf("webrequest_permission_with_observed_exfiltration bonus = %v (found %v), want 5", b, ok)
	}
	if len(ccs) != 2 {
		t.Errorf("CrossCorrelate returned %d rules, want 2", len(ccs))
	}
	if got := eng.CrossBonus(ccs); got != 20 {
		t.Errorf("CrossBonus = %v, want 20", got)
	}
}

func TestCrossCorrelateRequiresBothSides(t *testing.T) {
	eng := New(nil)

	// Static evidence alone
	ccs := eng.CrossCorrelate(Input{
		Matches: []xrs.PatternMatch{{PatternID: "eval_call", Category: xrs.CategoryEval}},
	})
	if len(ccs) != 0 {
		t.Errorf("static-only input matched %d rules, want 0", len(ccs))
	}

	// Observed behavior alone
	ccs = eng.CrossCorrelate(Input{DataExfiltration: true})
	if len(ccs) != 0 {
		t.Errorf("behavior-only input matched %d rules, want 0", len(ccs))
	}
}

func TestCrossBonusCap(t *testing.T) {
	eng := New(nil)

	in := Input{
		Matches: []xrs.PatternMatch{
			{PatternID: "eval_call", Category: xrs.CategoryEval},
			{PatternID: "keylog_to_remote", Category: xrs.CategoryExfilKeylog},
			{PatternID: "cookie_to_remote", Category: xrs.CategoryExfilCookie},
		},
		DataExfiltration: true,
	}
	ccs := eng.CrossCorrelate(in)
	if len(ccs) != 3 {
		t.Fatalf("CrossCorrelate returned %d rules, want 3", len(ccs))
	}
	if got := eng.CrossBonus(ccs); got != 20 {
		t.Errorf("CrossBonus = %v, want capped 20", got)
	}
}

func TestDetectChainsEmptyTimeline(t *testing.T) {
	eng := New(nil)
	if chains := eng.DetectChains(nil); chains != nil {
		t.Errorf("DetectChains(nil) = %v, want nil", chains)
	}
}
