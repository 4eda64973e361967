// Package correlation implements the correlation engine: it matches attack
// chain templates over the event timeline and corroborates declared
// capabilities with observed behavior.
package correlation

import (
	"math"
	"sort"

	"github.com/exploopio/extrisk/pkg/xrs"
)

// Template is one named attack chain pattern. A chain is emitted when the
// ordered steps occur as a not-necessarily-contiguous subsequence within
// WindowSeconds of the first step.
type Template struct {
	Name          string
	Steps         []xrs.EventKind
	WindowSeconds float64
	RiskBoost     float64
}

// DefaultTemplates returns the chain template catalogue.
func DefaultTemplates() []Template {
	return []Template{
		{
			Name:          "Credential Theft Chain",
			Steps:         []xrs.EventKind{xrs.EventKeylogging, xrs.EventFormDataCapture, xrs.EventDataExfiltration},
			WindowSeconds: 60,
			RiskBoost:     30,
		},
		{
			Name:          "Data Harvesting Chain",
			Steps:         []xrs.EventKind{xrs.EventCookieAccess, xrs.EventStorageAccess, xrs.EventDataExfiltration},
			WindowSeconds: 120,
			RiskBoost:     20,
		},
		{
			Name:          "Injection Chain",
			Steps:         []xrs.EventKind{xrs.EventScriptInjection, xrs.EventEvalExecution, xrs.EventDataExfiltration},
			WindowSeconds: 90,
			RiskBoost:     25,
		},
		{
			Name:          "Session Hijacking Chain",
			Steps:         []xrs.EventKind{xrs.EventCookieAccess, xrs.EventSessionHijacking, xrs.EventDataExfiltration},
			WindowSeconds: 60,
			RiskBoost:     30,
		},
		{
			Name:          "Token Theft Chain",
			Steps:         []xrs.EventKind{xrs.EventTokenAccess, xrs.EventTokenTheft, xrs.EventDataExfiltration},
			WindowSeconds: 60,
			RiskBoost:     30,
		},
		{
			Name:          "Credential Harvesting",
			Steps:         []xrs.EventKind{xrs.EventKeylogging, xrs.EventDataExfiltration},
			WindowSeconds: 30,
			RiskBoost:     15,
		},
		{
			Name:          "Session Theft",
			Steps:         []xrs.EventKind{xrs.EventCookieAccess, xrs.EventDataExfiltration},
			WindowSeconds: 30,
			RiskBoost:     15,
		},
	}
}

// CrossRule corroborates a declared capability or static pattern with an
// independently observed behavior.
type CrossRule struct {
	Name        string
	Description string
	Bonus       float64

	// Static side: a pattern category or a declared permission
	Category   xrs.PatternCategory
	Permission string

	// Observed side
	RequireExfiltration bool
	RequireEvent        xrs.EventKind
}

// DefaultCrossRules returns the cross-correlation catalogue.
func DefaultCrossRules() []CrossRule {
	return []CrossRule{
		{
			Name:                "eval_with_observed_exfiltration",
			Description:         "dynamic evaluation in source corroborated by observed exfiltration",
			Bonus:               15,
			Category:            xrs.CategoryEval,
			RequireExfiltration: true,
		},
		{
			Name:                "keylog_with_observed_exfiltration",
			Description:         "keystroke capture in source corroborated by observed exfiltration",
			Bonus:               12,
			Category:            xrs.CategoryExfilKeylog,
			RequireExfiltration: true,
		},
		{
			Name:                "cookie_read_with_observed_exfiltration",
			Description:         "cookie access in source corroborated by observed exfiltration",
			Bonus:               10,
			Category:            xrs.CategoryExfilCookie,
			RequireExfiltration: true,
		},
		{
			Name:         "eval_with_observed_keylogging",
			Description:  "dynamic evaluation in source corroborated by observed keystroke capture",
			Bonus:        10,
			Category:     xrs.CategoryEval,
			RequireEvent: xrs.EventKeylogging,
		},
		{
			Name:                "remote_load_with_observed_exfiltration",
			Description:         "remote code loading in source corroborated by observed exfiltration",
			Bonus:               8,
			Category:            xrs.CategoryRemoteLoad,
			RequireExfiltration: true,
		},
		{
			Name:         "cookie_permission_observed_in_use",
			Description:  "declared cookie permission corroborated by observed cookie access",
			Bonus:        5,
			Permission:   "cookies",
			RequireEvent: xrs.EventCookieAccess,
		},
		{
			Name:                "webrequest_permission_with_observed_exfiltration",
			Description:         "declared request interception corroborated by observed exfiltration",
			Bonus:               5,
			Permission:          "webRequest",
			RequireExfiltration: true,
		},
	}
}

// Config tunes the engine.
type Config struct {
	Templates  []Template
	CrossRules []CrossRule

	// Aggregate caps: templates overlap the same underlying evidence, so
	// unbounded summing would let one timeline run away.
	ChainBoostCap float64
	CrossBonusCap float64

	// Confidence floor for a fully matched chain
	ConfidenceFloor float64
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() *Config {
	return &Config{
		Templates:       DefaultTemplates(),
		CrossRules:      DefaultCrossRules(),
		ChainBoostCap:   25,
		CrossBonusCap:   20,
		ConfidenceFloor: 0.7,
	}
}

// Input is everything the engine correlates over.
type Input struct {
	// Time-ordered attack chain events
	Events []xrs.AttackChainEvent

	// Static pattern evidence
	Matches []xrs.PatternMatch

	// Declared API permissions
	Permissions []string

	// Observed exfiltration (any outbound POST/beacon)
	DataExfiltration bool
}

// Engine matches chains and cross-correlations. Safe for concurrent use.
type Engine struct {
	cfg *Config
}

// New creates a correlation engine (nil means defaults).
func New(cfg *Config) *Engine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Engine{cfg: cfg}
}

// DetectChains matches every template against the event timeline and
// returns at most one chain per template, the earliest instance.
func (e *Engine) DetectChains(events []xrs.AttackChainEvent) []xrs.AttackChain {
	if len(events) == 0 {
		return nil
	}

	ordered := make([]xrs.AttackChainEvent, len(events))
	copy(ordered, events)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].TimestampMs < ordered[j].TimestampMs
	})

	var chains []xrs.AttackChain
	for _, tpl := range e.cfg.Templates {
		if chain, ok := e.matchTemplate(tpl, ordered); ok {
			chains = append(chains, chain)
		}
	}
	return chains
}

// matchTemplate slides the template's window anchored at each candidate
// first step and looks for the ordered step subsequence.
func (e *Engine) matchTemplate(tpl Template, ordered []xrs.AttackChainEvent) (xrs.AttackChain, bool) {
	windowMs := int64(tpl.WindowSeconds * 1000)

	for anchor := range ordered {
		if ordered[anchor].Kind != tpl.Steps[0] {
			continue
		}
		start := ordered[anchor].TimestampMs

		matched := []xrs.AttackChainEvent{ordered[anchor]}
		next := 1
		for i := anchor + 1; i < len(ordered) && next < len(tpl.Steps); i++ {
			ev := ordered[i]
			if ev.TimestampMs-start > windowMs {
				break
			}
			if ev.Kind == tpl.Steps[next] {
				matched = append(matched, ev)
				next++
			}
		}
		if next < len(tpl.Steps) {
			continue
		}

		duration := float64(matched[len(matched)-1].TimestampMs-start) / 1000
		return xrs.AttackChain{
			Name:            tpl.Name,
			Steps:           tpl.Steps,
			DurationSeconds: duration,
			Confidence:      e.confidence(tpl, duration, matched),
			RiskBoost:       tpl.RiskBoost,
		}, true
	}
	return xrs.AttackChain{}, false
}

// confidence rises when steps sit close together and when each step has
// independent corroboration.
func (e *Engine) confidence(tpl Template, duration float64, matched []xrs.AttackChainEvent) float64 {
	base := 1.0 - (duration/tpl.WindowSeconds)*0.3
	if base < e.cfg.ConfidenceFloor {
		base = e.cfg.ConfidenceFloor
	}

	evidence := 0
	for _, ev := range matched {
		if ev.EvidenceCount > 0 {
			evidence += ev.EvidenceCount
		} else {
			evidence++
		}
	}
	avg := float64(evidence) / float64(len(matched))
	conf := base + 0.05*(avg-1)
	return math.Min(1, math.Max(0, conf))
}

// ChainBoost sums emitted chain boosts, capped in aggregate.
func (e *Engine) ChainBoost(chains []xrs.AttackChain) float64 {
	total := 0.0
	for _, c := range chains {
		total += c.RiskBoost
	}
	if total > e.cfg.ChainBoostCap {
		total = e.cfg.ChainBoostCap
	}
	return total
}

// CrossCorrelate evaluates every cross rule against the input.
func (e *Engine) CrossCorrelate(in Input) []xrs.CrossCorrelation {
	categories := make(map[xrs.PatternCategory]struct{}, len(in.Matches))
	for _, m := range in.Matches {
		categories[m.Category] = struct{}{}
	}
	eventKinds := make(map[xrs.EventKind]struct{}, len(in.Events))
	for _, ev := range in.Events {
		eventKinds[ev.Kind] = struct{}{}
	}

	var out []xrs.CrossCorrelation
	for _, rule := range e.cfg.CrossRules {
		if rule.Category != "" {
			if _, ok := categories[rule.Category]; !ok {
				continue
			}
		}
		if rule.Permission != "" && !hasPermission(in.Permissions, rule.Permission) {
			continue
		}
		if rule.RequireExfiltration && !observedExfiltration(in, eventKinds) {
			continue
		}
		if rule.RequireEvent != "" {
			if _, ok := eventKinds[rule.RequireEvent]; !ok {
				continue
			}
		}
		out = append(out, xrs.CrossCorrelation{
			Name:        rule.Name,
			Description: rule.Description,
			Bonus:       rule.Bonus,
		})
	}
	return out
}

// CrossBonus sums cross-correlation bonuses, capped in aggregate.
func (e *Engine) CrossBonus(ccs []xrs.CrossCorrelation) float64 {
	total := 0.0
	for _, cc := range ccs {
		total += cc.Bonus
	}
	if total > e.cfg.CrossBonusCap {
		total = e.cfg.CrossBonusCap
	}
	return total
}

func observedExfiltration(in Input, eventKinds map[xrs.EventKind]struct{}) bool {
	if in.DataExfiltration {
		return true
	}
	_, ok := eventKinds[xrs.EventDataExfiltration]
	return ok
}

func hasPermission(perms []string, want string) bool {
	// webRequestBlocking implies webRequest reach
	for _, p := range perms {
		if p == want || (want == "webRequest" && p == "webRequestBlocking") {
			return true
		}
	}
	return false
}
