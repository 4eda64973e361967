// Package manifest implements the manifest static analyzer: it scores an
// extension's declared capabilities from a fixed rule table.
package manifest

import (
	"fmt"
	"sort"
	"strings"

	"github.com/exploopio/extrisk/pkg/xrs"
)

// Config is the manifest rule table. All point values are tuning constants;
// DefaultConfig returns the calibrated defaults.
type Config struct {
	// Per-permission points, summed then capped at PermissionSumCap
	PermissionScores map[string]float64

	// Cap on the summed permission points
	PermissionSumCap float64

	// Host permission points
	AllURLsScore      float64
	HTTPWildcardScore float64
	ManyDomainsScore  float64 // 10 or more distinct domains
	SomeDomainsScore  float64 // 3 to 9 distinct domains
	FewDomainsScore   float64 // 1 or 2 distinct domains

	// Content script points
	ContentAllURLsScore     float64
	ContentManyDomainsScore float64
	ContentFewDomainsScore  float64
	AllFramesBonus          float64
	DocumentStartBonus      float64
	ContentScriptCap        float64

	// Dangerous capability combinations. Each matched combination adds
	// ComboBonus, capped in aggregate at ComboBonusCap. Combination points
	// are deliberately separate from the per-item sums so that one broad
	// permission is not double-penalized.
	SuspiciousCombinations [][]string
	ComboBonus             float64
	ComboBonusCap          float64

	// Permission count above this threshold adds ExcessiveCountBonus
	ExcessiveCountThreshold int
	ExcessiveCountBonus     float64

	// Added when the extension was not installed from a store
	NonStoreInstallBonus float64

	// Final cap
	MaxScore float64
}

// DefaultConfig returns the default manifest rule table.
func DefaultConfig() *Config {
	return &Config{
		PermissionScores: map[string]float64{
			"debugger":           30,
			"webRequestBlocking": 25,
			"webRequest":         20,
			"cookies":            20,
			"proxy":              20,
			"history":            10,
			"scripting":          10,
			"tabs":               3,
			"activeTab":          0,
			"storage":            0,
		},
		PermissionSumCap: 40,

		AllURLsScore:      30,
		HTTPWildcardScore: 20,
		ManyDomainsScore:  10,
		SomeDomainsScore:  5,
		FewDomainsScore:   1,

		ContentAllURLsScore:     20,
		ContentManyDomainsScore: 10,
		ContentFewDomainsScore:  2,
		AllFramesBonus:          5,
		DocumentStartBonus:      5,
		ContentScriptCap:        30,

		SuspiciousCombinations: [][]string{
			{"cookies", "webRequest", "<all_urls>"},
			{"cookies", "webRequestBlocking", "<all_urls>"},
			{"history", "tabs", "webNavigation"},
			{"scripting", "<all_urls>", "webRequest"},
			{"cookies", "storage", "webRequest"},
			{"proxy", "webRequest"},
			{"debugger", "scripting"},
			{"management", "tabs"},
			{"downloads", "webRequest"},
			{"cookies", "webRequestBlocking", "proxy"},
		},
		ComboBonus:    25,
		ComboBonusCap: 30,

		ExcessiveCountThreshold: 10,
		ExcessiveCountBonus:     10,

		NonStoreInstallBonus: 10,

		MaxScore: 100,
	}
}

// Analyzer scores declared capabilities. It is pure and never fails:
// absent fields default to empty.
type Analyzer struct {
	cfg *Config
}

// New creates a manifest analyzer with the given rule table
// (nil means defaults).
func New(cfg *Config) *Analyzer {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Analyzer{cfg: cfg}
}

// Analyze produces the manifest finding for an artifact.
func (a *Analyzer) Analyze(artifact *xrs.ExtensionArtifact) xrs.ManifestFinding {
	finding := xrs.ManifestFinding{}
	if artifact == nil {
		return finding
	}

	cfg := a.cfg
	var flags []string
	var reasons []string

	// Permission points, summed and capped.
	permScore := 0.0
	for _, perm := range artifact.Permissions {
		pts, ok := cfg.PermissionScores[perm]
		if !ok || pts <= 0 {
			continue
		}
		permScore += pts
		flags = append(flags, "permission:"+perm)
		reasons = append(reasons, fmt.Sprintf("permission %q carries %g points", perm, pts))
	}
	if permScore > cfg.PermissionSumCap {
		permScore = cfg.PermissionSumCap
	}

	// Host permission points. <all_urls> dominates everything else.
	hostScore, universal := a.scoreHosts(artifact.HostPermissions, &flags, &reasons)
	finding.UniversalHostAccess = universal

	// Content script reach.
	contentScore := a.scoreContentScripts(artifact.ContentScriptRules, &flags, &reasons)

	total := permScore + hostScore + contentScore
	if total > cfg.MaxScore {
		total = cfg.MaxScore
	}

	// Combination bonuses, distinct from the per-item sums.
	declared := make(map[string]struct{}, len(artifact.Permissions)+len(artifact.HostPermissions))
	for _, p := range artifact.Permissions {
		declared[p] = struct{}{}
	}
	for _, h := range artifact.HostPermissions {
		declared[h] = struct{}{}
	}
	comboBonus := 0.0
	for _, combo := range cfg.SuspiciousCombinations {
		matched := true
		for _, want := range combo {
			if _, ok := declared[want]; !ok {
				matched = false
				break
			}
		}
		if matched {
			comboBonus += cfg.ComboBonus
			flags = append(flags, "combo:"+strings.Join(combo, "+"))
			reasons = append(reasons, fmt.Sprintf("dangerous combination: %s", strings.Join(combo, " + ")))
		}
	}
	if comboBonus > cfg.ComboBonusCap {
		comboBonus = cfg.ComboBonusCap
	}
	total += comboBonus

	// Escalating bonus for permission sprawl.
	permCount := len(artifact.Permissions) + len(artifact.HostPermissions)
	if permCount > cfg.ExcessiveCountThreshold {
		total += cfg.ExcessiveCountBonus
		flags = append(flags, "excessive_permissions")
		reasons = append(reasons, fmt.Sprintf("%d declared permissions exceed the %d threshold",
			permCount, cfg.ExcessiveCountThreshold))
	}

	// Non-store install origin.
	if !artifact.InstallSource.IsStore() {
		total += cfg.NonStoreInstallBonus
		flags = append(flags, "non_store_install")
		reasons = append(reasons, fmt.Sprintf("installed from %s, not a store", artifact.InstallSource))
	}

	// Weakened content security policy. Declared policy only: the flags
	// surface in findings but do not enter the weighted score, the same
	// treatment as any other capability the code may never exercise.
	analyzeCSP(artifact.ContentSecurityPolicy, &flags, &reasons)

	if total > cfg.MaxScore {
		total = cfg.MaxScore
	}

	sort.Strings(flags)
	finding.Score = total
	finding.Flags = flags
	finding.Reasons = reasons
	finding.PermissionCount = len(artifact.Permissions)
	return finding
}

// analyzeCSP flags script sources that weaken the extension-pages content
// security policy. Only the script-src directive matters (falling back to
// default-src); the extension default policy forbids all of these.
func analyzeCSP(policy string, flags *[]string, reasons *[]string) {
	if policy == "" {
		return
	}
	sources := cspDirective(policy, "script-src")
	if sources == nil {
		sources = cspDirective(policy, "default-src")
	}

	seen := make(map[string]struct{})
	record := func(flag, reason string) {
		if _, dup := seen[flag]; dup {
			return
		}
		seen[flag] = struct{}{}
		*flags = append(*flags, flag)
		*reasons = append(*reasons, reason)
	}

	for _, src := range sources {
		switch {
		case strings.EqualFold(src, "'unsafe-eval'"):
			record("csp:unsafe-eval", "CSP permits eval in extension pages")
		case strings.EqualFold(src, "'unsafe-inline'"):
			record("csp:unsafe-inline", "CSP permits inline script in extension pages")
		case src == "*":
			record("csp:wildcard-source", "CSP permits scripts from any origin")
		case strings.HasPrefix(src, "data:"):
			record("csp:data-uri", "CSP permits data: URI scripts")
		case strings.HasPrefix(src, "blob:"):
			record("csp:blob-uri", "CSP permits blob: URI scripts")
		case strings.HasPrefix(src, "http://"):
			record("csp:http-source", "CSP permits scripts over plain http")
		case strings.HasPrefix(src, "https://"):
			record("csp:remote-script", fmt.Sprintf("CSP permits remote scripts from %s", src))
		}
	}
}

// cspDirective returns the source list of one policy directive, or nil
// when the directive is absent.
func cspDirective(policy, name string) []string {
	for _, directive := range strings.Split(policy, ";") {
		fields := strings.Fields(strings.TrimSpace(directive))
		if len(fields) > 0 && strings.EqualFold(fields[0], name) {
			return fields[1:]
		}
	}
	return nil
}

// scoreHosts scores the host permission reach.
func (a *Analyzer) scoreHosts(hosts []string, flags *[]string, reasons *[]string) (float64, bool) {
	cfg := a.cfg

	domains := make(map[string]struct{})
	hasHTTPWildcard := false

	for _, host := range hosts {
		switch {
		case host == "<all_urls>":
			*flags = append(*flags, "universal_host_access")
			*reasons = append(*reasons, "unrestricted host access (<all_urls>)")
			return cfg.AllURLsScore, true
		case host == "http://*/*" || host == "*://*/*":
			hasHTTPWildcard = true
		case strings.HasPrefix(host, "http://") || strings.HasPrefix(host, "https://"):
			d := strings.TrimPrefix(host, "https://")
			d = strings.TrimPrefix(d, "http://")
			d = strings.SplitN(d, "/", 2)[0]
			if d != "" && !strings.Contains(d, "*") {
				domains[d] = struct{}{}
			}
		}
	}

	if hasHTTPWildcard {
		*flags = append(*flags, "http_wildcard")
		*reasons = append(*reasons, "wildcard host access over http")
		return cfg.HTTPWildcardScore, false
	}

	switch n := len(domains); {
	case n >= 10:
		*reasons = append(*reasons, fmt.Sprintf("host access to %d domains", n))
		return cfg.ManyDomainsScore, false
	case n >= 3:
		return cfg.SomeDomainsScore, false
	case n >= 1:
		return cfg.FewDomainsScore, false
	default:
		return 0, false
	}
}

// scoreContentScripts scores content script injection scope.
func (a *Analyzer) scoreContentScripts(rules []xrs.ContentScriptRule, flags *[]string, reasons *[]string) float64 {
	cfg := a.cfg
	if len(rules) == 0 {
		return 0
	}

	score := 0.0
	universal := false
	domains := make(map[string]struct{})
	allFrames := false
	documentStart := false

	for _, rule := range rules {
		for _, m := range rule.Matches {
			if m == "<all_urls>" || m == "*://*/*" {
				universal = true
				continue
			}
			d := strings.TrimPrefix(m, "https://")
			d = strings.TrimPrefix(d, "http://")
			d = strings.SplitN(d, "/", 2)[0]
			if d != "" {
				domains[d] = struct{}{}
			}
		}
		if rule.AllFrames {
			allFrames = true
		}
		if strings.EqualFold(rule.RunAt, "document_start") {
			documentStart = true
		}
	}

	switch {
	case universal:
		score = cfg.ContentAllURLsScore
		*flags = append(*flags, "content_script_all_urls")
		*reasons = append(*reasons, "content scripts injected into all pages")
	case len(domains) >= 10:
		score = cfg.ContentManyDomainsScore
	default:
		score = cfg.ContentFewDomainsScore
	}

	if allFrames {
		score += cfg.AllFramesBonus
		*reasons = append(*reasons, "content scripts run in all frames")
	}
	if documentStart {
		score += cfg.DocumentStartBonus
		*reasons = append(*reasons, "content scripts run at document_start")
	}

	if score > cfg.ContentScriptCap {
		score = cfg.ContentScriptCap
	}
	return score
}
