package scoring

import (
	"math"
	"strings"
	"testing"

	"github.com/exploopio/extrisk/pkg/shared/severity"
	"github.com/exploopio/extrisk/pkg/signatures"
	"github.com/exploopio/extrisk/pkg/xrs"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestScoreFullHybrid(t *testing.T) {
	s := New(nil)

	t.Run("empty artifact stays safe", func(t *testing.T) {
		res := s.Score(&Input{Mode: xrs.ModeFullHybrid})
		if res.Score != 0 {
			t.Errorf("score = %v, want 0", res.Score)
		}
		if res.Level != xrs.RiskLow {
			t.Errorf("level = %v, want LOW", res.Level)
		}
		if res.Verdict.Classification != xrs.VerdictSafe {
			t.Errorf("classification = %v, want SAFE", res.Verdict.Classification)
		}
		if res.Verdict.AutoReject {
			t.Error("empty input auto-rejected")
		}
	})

	t.Run("broad manifest alone is not conclusive", func(t *testing.T) {
		res := s.Score(&Input{
			Mode:     xrs.ModeFullHybrid,
			Manifest: xrs.ManifestFinding{Score: 95, Flags: []string{"universal_host_access"}},
		})
		// 95 * 0.35
		if !almostEqual(res.Score, 33.25) {
			t.Errorf("score = %v, want 33.25", res.Score)
		}
		if res.Level != xrs.RiskMedium {
			t.Errorf("level = %v, want MEDIUM", res.Level)
		}
		if res.Verdict.AutoReject {
			t.Error("declared permissions alone auto-rejected")
		}
	})

	t.Run("critical rce component rejects", func(t *testing.T) {
		res := s.Score(&Input{
			Mode:     xrs.ModeFullHybrid,
			RCEExfil: 70,
		})
		if !res.Verdict.AutoReject {
			t.Fatal("rce component at 70 did not auto-reject")
		}
		if res.Score != 100 {
			t.Errorf("score = %v, want forced 100", res.Score)
		}
		if res.Level != xrs.RiskCritical {
			t.Errorf("level = %v, want CRITICAL", res.Level)
		}
		if res.Verdict.Classification != xrs.VerdictMalicious {
			t.Errorf("classification = %v, want MALICIOUS", res.Verdict.Classification)
		}
	})
}

func TestScoreBonusesClamped(t *testing.T) {
	s := New(nil)

	res := s.Score(&Input{
		Mode:         xrs.ModeFullHybrid,
		Manifest:     xrs.ManifestFinding{Score: 100},
		CodePatterns: 100,
		RCEExfil:     60,
		Obfuscation:  100,
		APIAbuse:     100,
		ChainBoost:   25,
		CrossBonus:   20,
	})
	// base 35+30+12+10+5 = 92, bonuses push past 100
	if res.Score != 100 {
		t.Errorf("score = %v, want clamped 100", res.Score)
	}
	if res.Verdict.AutoReject {
		t.Error("auto-rejected without conclusive evidence")
	}
	// MALICIOUS on the score threshold alone
	if res.Verdict.Classification != xrs.VerdictMalicious {
		t.Errorf("classification = %v, want MALICIOUS at score 100", res.Verdict.Classification)
	}
}

func TestScoreMonitoringBlendOverride(t *testing.T) {
	s := New(nil)

	base := &Input{
		Mode:     xrs.ModeMonitoring,
		Manifest: xrs.ManifestFinding{Score: 50},
		Runtime:  60,
		Vector:   &xrs.BehaviorVector{},
	}
	def := s.Score(base)
	// 50*0.6 + 60*0.4
	if !almostEqual(def.Score, 54) {
		t.Errorf("default blend score = %v, want 54", def.Score)
	}
	if def.Blend != BlendDefault {
		t.Errorf("blend = %v, want default", def.Blend)
	}

	hijack := &Input{
		Mode:     xrs.ModeMonitoring,
		Manifest: xrs.ManifestFinding{Score: 50},
		Runtime:  60,
		Vector:   &xrs.BehaviorVector{FormHijacking: true},
	}
	over := s.Score(hijack)
	// 50*0.3 + 60*0.7
	if !almostEqual(over.Score, 57) {
		t.Errorf("override blend score = %v, want 57", over.Score)
	}
	if over.Blend != BlendCriticalOverride {
		t.Errorf("blend = %v, want critical_override", over.Blend)
	}
	if almostEqual(def.Score, over.Score) {
		t.Error("form hijacking override produced the same score as the default blend")
	}
}

func TestScoreMonitoringSideloadBonus(t *testing.T) {
	s := New(nil)

	store := s.Score(&Input{
		Mode:     xrs.ModeMonitoring,
		Manifest: xrs.ManifestFinding{Score: 40},
		Runtime:  20,
	})
	sideloaded := s.Score(&Input{
		Mode:            xrs.ModeMonitoring,
		Manifest:        xrs.ManifestFinding{Score: 40},
		Runtime:         20,
		NonStoreInstall: true,
	})
	if diff := sideloaded.Score - store.Score; !almostEqual(diff, 10) {
		t.Errorf("sideload bonus = %v, want 10", diff)
	}
}

func TestScoreDegradedComponentsZeroWeight(t *testing.T) {
	s := New(nil)

	res := s.Score(&Input{
		Mode:         xrs.ModeFullHybrid,
		Manifest:     xrs.ManifestFinding{Score: 40},
		CodePatterns: 90,
		RCEExfil:     90,
		Obfuscation:  90,
		APIAbuse:     90,
		Degraded: []xrs.DegradedSignal{
			{Component: xrs.ComponentCodePatterns, Reason: "no source files"},
			{Component: xrs.ComponentRCEExfil, Reason: "no source files"},
			{Component: xrs.ComponentObfuscation, Reason: "no source files"},
			{Component: xrs.ComponentAPIAbuse, Reason: "no source files"},
		},
	})

	// only the manifest contributes, weight is not redistributed
	if !almostEqual(res.Score, 14) {
		t.Errorf("score = %v, want 14", res.Score)
	}
	if res.Verdict.AutoReject {
		t.Error("degraded rce component auto-rejected")
	}
	for _, comp := range res.Breakdown {
		if comp.Name == xrs.ComponentManifest {
			if comp.Degraded || comp.Weight != 0.35 {
				t.Errorf("manifest component = %+v, want live at weight 0.35", comp)
			}
			if !almostEqual(comp.ContributionPercentage, 100) {
				t.Errorf("manifest contribution = %v, want 100", comp.ContributionPercentage)
			}
			continue
		}
		if !comp.Degraded || comp.Weight != 0 {
			t.Errorf("component %s = %+v, want degraded at zero weight", comp.Name, comp)
		}
	}
}

func TestAutoRejectConclusiveEvidence(t *testing.T) {
	s := New(nil)

	t.Run("token theft chain", func(t *testing.T) {
		res := s.Score(&Input{
			Mode:   xrs.ModeFullHybrid,
			Chains: []xrs.AttackChain{{Name: "Token Theft Chain", RiskBoost: 30}},
		})
		if !res.Verdict.AutoReject {
			t.Error("token theft chain did not auto-reject")
		}
	})

	t.Run("critical rce pattern with observed exfiltration", func(t *testing.T) {
		match := xrs.PatternMatch{
			PatternID: "eval_remote_fetch",
			Category:  xrs.CategoryEval,
			Severity:  severity.Critical,
		}
		res := s.Score(&Input{
			Mode:             xrs.ModeFullHybrid,
			Matches:          []xrs.PatternMatch{match},
			DataExfiltration: true,
		})
		if !res.Verdict.AutoReject {
			t.Error("critical rce with exfiltration did not auto-reject")
		}

		res = s.Score(&Input{
			Mode:    xrs.ModeFullHybrid,
			Matches: []xrs.PatternMatch{match},
		})
		if res.Verdict.AutoReject {
			t.Error("critical rce without exfiltration auto-rejected")
		}
	})
}

func TestTopFindingsRankingAndCap(t *testing.T) {
	s := New(nil)

	res := s.Score(&Input{
		Mode: xrs.ModeFullHybrid,
		Matches: []xrs.PatternMatch{
			{PatternID: "eval_call", Category: xrs.CategoryEval, Severity: severity.Critical, File: "bg.js", Line: 3},
			{PatternID: "keystroke_listener", Category: xrs.CategoryExfilKeylog, Severity: severity.High},
			{PatternID: "cookie_read", Category: xrs.CategoryExfilCookie, Severity: severity.Medium},
		},
		Manifest: xrs.ManifestFinding{
			Flags: []string{
				"combo:cookies+webRequest+<all_urls>",
				"excessive_permissions",
				"permission:tabs",
				"universal_host_access",
			},
		},
	})

	if len(res.TopFindings) != 5 {
		t.Fatalf("top findings length = %d, want 5", len(res.TopFindings))
	}
	wantScores := []float64{30, 30, 25, 15, 10}
	for i, f := range res.TopFindings {
		if f.Score != wantScores[i] {
			t.Errorf("finding[%d] score = %v, want %v", i, f.Score, wantScores[i])
		}
	}
	// ties keep first-seen order: pattern match before manifest flag
	if res.TopFindings[0].Title != "eval call" {
		t.Errorf("finding[0] = %q, want the eval match first", res.TopFindings[0].Title)
	}
	if res.TopFindings[1].Title != "universal host access" {
		t.Errorf("finding[1] = %q, want universal host access", res.TopFindings[1].Title)
	}
}

func TestTopFindingsIncludeSignatureHits(t *testing.T) {
	s := New(nil)

	res := s.Score(&Input{
		Mode: xrs.ModeFullHybrid,
		CodeSignatures: []CodeSignature{{
			File: "bg.js",
			Match: signatures.FingerprintMatch{
				Name:        "credential_stealer_v1",
				Description: "Credential stealer pattern: cookies.getAll + fetch",
				Severity:    severity.Critical,
				Score:       40,
			},
		}},
		PermissionHits: []signatures.FingerprintMatch{{
			Name:        "ultimate_control",
			Description: "Ultimate control: can intercept and modify all traffic",
			Severity:    severity.Critical,
			Score:       50,
		}},
		Matches: []xrs.PatternMatch{
			{PatternID: "cookie_read", Category: xrs.CategoryExfilCookie, Severity: severity.Medium},
		},
	})

	if len(res.TopFindings) != 3 {
		t.Fatalf("top findings = %d, want 3", len(res.TopFindings))
	}
	// The permission fingerprint (50) outranks the code fingerprint (40),
	// and both outrank the medium pattern match (5).
	if res.TopFindings[0].Title != "ultimate control" || res.TopFindings[0].Category != "SIGNATURE" {
		t.Errorf("finding[0] = %+v, want the ultimate_control signature", res.TopFindings[0])
	}
	if res.TopFindings[1].Title != "credential stealer v1" || res.TopFindings[1].File != "bg.js" {
		t.Errorf("finding[1] = %+v, want credential_stealer_v1 from bg.js", res.TopFindings[1])
	}

	joined := strings.Join(res.Recommendations, "\n")
	if !strings.Contains(joined, "known malware") {
		t.Errorf("recommendations missing the known-malware advice:\n%s", joined)
	}
}

func TestFingerprintingAndCSPSurfaceAsFindings(t *testing.T) {
	s := New(nil)

	res := s.Score(&Input{
		Mode:                    xrs.ModeFullHybrid,
		Manifest:                xrs.ManifestFinding{Flags: []string{"csp:unsafe-eval"}},
		Fingerprinting:          []string{"audio", "canvas", "webgl"},
		ExcessiveFingerprinting: true,
	})

	// Flags and technique counts are informational: without component
	// scores the weighted total stays zero.
	if res.Score != 0 {
		t.Errorf("score = %v, want 0", res.Score)
	}

	var haveCSP, haveFP bool
	for _, f := range res.TopFindings {
		switch f.Category {
		case "MANIFEST":
			if f.Title == "weakened content security policy (unsafe-eval)" {
				haveCSP = true
				if f.Severity != severity.Critical {
					t.Errorf("csp finding severity = %v, want CRITICAL", f.Severity)
				}
			}
		case "FINGERPRINTING":
			haveFP = true
			if !strings.Contains(f.Description, "canvas") {
				t.Errorf("fingerprinting finding does not list techniques: %+v", f)
			}
		}
	}
	if !haveCSP {
		t.Errorf("csp finding missing: %+v", res.TopFindings)
	}
	if !haveFP {
		t.Errorf("fingerprinting finding missing: %+v", res.TopFindings)
	}

	joined := strings.Join(res.Recommendations, "\n")
	for _, want := range []string{"content security policy", "fingerprints browser"} {
		if !strings.Contains(joined, want) {
			t.Errorf("recommendations missing %q:\n%s", want, joined)
		}
	}
}

func TestRecommendationsLookup(t *testing.T) {
	s := New(nil)

	res := s.Score(&Input{
		Mode:             xrs.ModeFullHybrid,
		Manifest:         xrs.ManifestFinding{Score: 95, Flags: []string{"universal_host_access"}},
		RCEExfil:         70,
		Obfuscation:      40,
		DataExfiltration: true,
		Chains:           []xrs.AttackChain{{Name: "Credential Harvesting", RiskBoost: 15}},
	})

	if res.Verdict.RecommendationText != res.Recommendations[0] {
		t.Errorf("verdict text %q does not lead the recommendation list %q",
			res.Verdict.RecommendationText, res.Recommendations[0])
	}
	joined := strings.Join(res.Recommendations, "\n")
	for _, want := range []string{
		"Block recommended",
		"Narrow host permissions",
		"outbound POST destinations",
		"unobfuscated source",
		"attack chains",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("recommendations missing %q:\n%s", want, joined)
		}
	}
}
