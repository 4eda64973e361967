// Package scoring turns component scores, pattern evidence, and correlation
// output into the final risk score, verdict, and ranked findings.
package scoring

import (
	"fmt"
	"sort"
	"strings"

	"github.com/exploopio/extrisk/pkg/shared/severity"
	"github.com/exploopio/extrisk/pkg/signatures"
	"github.com/exploopio/extrisk/pkg/xrs"
)

// =============================================================================
// Blend Strategy
// =============================================================================

// BlendStrategy selects how static and runtime scores combine in
// monitoring mode.
type BlendStrategy string

const (
	// BlendDefault weights the static profile over observed behavior.
	BlendDefault BlendStrategy = "default"

	// BlendCriticalOverride inverts the blend when form hijacking is
	// observed: captured credentials outweigh any permission profile.
	BlendCriticalOverride BlendStrategy = "critical_override"
)

// =============================================================================
// Config
// =============================================================================

// Config holds every scoring constant.
type Config struct {
	// Full hybrid component weights
	ManifestWeight     float64
	CodePatternsWeight float64
	RCEExfilWeight     float64
	ObfuscationWeight  float64
	APIAbuseWeight     float64

	// Monitoring mode blends
	StaticBlend          float64
	RuntimeBlend         float64
	OverrideStaticBlend  float64
	OverrideRuntimeBlend float64
	SideloadBonus        float64

	// Verdict thresholds
	MaliciousScore    float64
	HighRiskScore     float64
	WarningScore      float64
	ModerateRiskScore float64

	// Raw component score at which conclusive-evidence components
	// (RCE/exfiltration, runtime) force rejection on their own.
	AutoRejectComponentScore float64

	// Per-severity points used when ranking individual findings
	SeverityPoints map[severity.Level]float64

	// Points behind each manifest flag, for finding ranking. Prefixed
	// flags fall back to the "combo:" and "permission:" entries.
	ManifestFlagScores map[string]float64

	TopFindingsLimit int
}

// DefaultConfig returns the scoring defaults.
func DefaultConfig() *Config {
	return &Config{
		ManifestWeight:     0.35,
		CodePatternsWeight: 0.30,
		RCEExfilWeight:     0.20,
		ObfuscationWeight:  0.10,
		APIAbuseWeight:     0.05,

		StaticBlend:          0.6,
		RuntimeBlend:         0.4,
		OverrideStaticBlend:  0.3,
		OverrideRuntimeBlend: 0.7,
		SideloadBonus:        10,

		MaliciousScore:    90,
		HighRiskScore:     70,
		WarningScore:      50,
		ModerateRiskScore: 30,

		AutoRejectComponentScore: 70,

		SeverityPoints: map[severity.Level]float64{
			severity.Critical: 30,
			severity.High:     15,
			severity.Medium:   5,
			severity.Low:      1,
		},

		ManifestFlagScores: map[string]float64{
			"universal_host_access":         30,
			"excessive_permissions":         10,
			"non_store_install":             10,
			"combo:":                        25,
			"permission:debugger":           30,
			"permission:webRequestBlocking": 25,
			"permission:webRequest":         20,
			"permission:cookies":            20,
			"permission:proxy":              20,
			"permission:history":            10,
			"permission:scripting":          10,
			"permission:tabs":               3,
			"csp:unsafe-eval":               30,
			"csp:unsafe-inline":             25,
			"csp:wildcard-source":           20,
			"csp:remote-script":             15,
			"csp:http-source":               15,
			"csp:data-uri":                  10,
			"csp:blob-uri":                  10,
		},

		TopFindingsLimit: 5,
	}
}

// =============================================================================
// Input / Result
// =============================================================================

// CodeSignature pairs a matched code fingerprint with the file it hit.
type CodeSignature struct {
	File  string
	Match signatures.FingerprintMatch
}

// Input carries everything the scorer consumes. Component scores arrive
// pre-normalized to 0-100.
type Input struct {
	Mode xrs.AnalysisMode

	Manifest xrs.ManifestFinding
	Matches  []xrs.PatternMatch

	// Signature database hits: code fingerprints matched in source files
	// and permission fingerprints matched against the declared sets.
	CodeSignatures []CodeSignature
	PermissionHits []signatures.FingerprintMatch

	// Full hybrid component scores
	CodePatterns float64
	RCEExfil     float64
	Obfuscation  float64
	APIAbuse     float64

	// Monitoring mode runtime score
	Runtime float64

	// Browser fingerprinting technique names observed in source, and
	// whether the count crossed the detector's excessive threshold
	Fingerprinting          []string
	ExcessiveFingerprinting bool

	Vector           *xrs.BehaviorVector
	DataExfiltration bool
	NonStoreInstall  bool

	Chains       []xrs.AttackChain
	Correlations []xrs.CrossCorrelation
	ChainBoost   float64
	CrossBonus   float64

	Degraded []xrs.DegradedSignal
}

// Result is the scorer's contribution to the final report.
type Result struct {
	Score           float64
	Level           xrs.RiskLevel
	Blend           BlendStrategy
	Breakdown       []xrs.RiskComponent
	Verdict         xrs.Verdict
	TopFindings     []xrs.Finding
	Recommendations []string
}

// =============================================================================
// Scorer
// =============================================================================

// Scorer computes scores and verdicts. Stateless, safe for concurrent use.
type Scorer struct {
	cfg *Config
}

// New creates a scorer (nil means defaults).
func New(cfg *Config) *Scorer {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Scorer{cfg: cfg}
}

// Score computes the final score, breakdown, and verdict for one analysis.
func (s *Scorer) Score(in *Input) *Result {
	res := &Result{Blend: BlendDefault}
	degraded := degradedSet(in.Degraded)

	var base float64
	if in.Mode == xrs.ModeMonitoring {
		base = s.scoreMonitoring(in, degraded, res)
	} else {
		base = s.scoreFullHybrid(in, degraded, res)
	}
	fillContributions(res.Breakdown, base)

	score := clamp(base + in.ChainBoost + in.CrossBonus)

	autoReject := s.autoReject(in, res.Breakdown)
	if autoReject {
		score = 100
	}
	res.Score = score
	res.Level = xrs.RiskLevelFromScore(score)
	res.Verdict = s.verdict(score, autoReject)
	res.TopFindings = s.topFindings(in)
	res.Recommendations = s.recommendations(res.Verdict, in)
	return res
}

func (s *Scorer) scoreFullHybrid(in *Input, degraded map[string]bool, res *Result) float64 {
	parts := []struct {
		name   string
		raw    float64
		weight float64
	}{
		{xrs.ComponentManifest, in.Manifest.Score, s.cfg.ManifestWeight},
		{xrs.ComponentCodePatterns, in.CodePatterns, s.cfg.CodePatternsWeight},
		{xrs.ComponentRCEExfil, in.RCEExfil, s.cfg.RCEExfilWeight},
		{xrs.ComponentObfuscation, in.Obfuscation, s.cfg.ObfuscationWeight},
		{xrs.ComponentAPIAbuse, in.APIAbuse, s.cfg.APIAbuseWeight},
	}

	total := 0.0
	for _, p := range parts {
		comp := xrs.RiskComponent{Name: p.name, RawScore: p.raw, Weight: p.weight}
		// A degraded component keeps its zero contribution visible;
		// its weight is not redistributed.
		if degraded[p.name] {
			comp.Weight = 0
			comp.Degraded = true
		}
		total += comp.RawScore * comp.Weight
		res.Breakdown = append(res.Breakdown, comp)
	}
	return total
}

func (s *Scorer) scoreMonitoring(in *Input, degraded map[string]bool, res *Result) float64 {
	staticBlend, runtimeBlend := s.cfg.StaticBlend, s.cfg.RuntimeBlend
	if in.Vector != nil && in.Vector.FormHijacking {
		res.Blend = BlendCriticalOverride
		staticBlend, runtimeBlend = s.cfg.OverrideStaticBlend, s.cfg.OverrideRuntimeBlend
	}

	manifest := xrs.RiskComponent{
		Name:     xrs.ComponentManifest,
		RawScore: in.Manifest.Score,
		Weight:   staticBlend,
	}
	runtime := xrs.RiskComponent{
		Name:     xrs.ComponentRuntime,
		RawScore: in.Runtime,
		Weight:   runtimeBlend,
	}
	if degraded[xrs.ComponentManifest] {
		manifest.Weight, manifest.Degraded = 0, true
	}
	if degraded[xrs.ComponentRuntime] {
		runtime.Weight, runtime.Degraded = 0, true
	}
	res.Breakdown = append(res.Breakdown, manifest, runtime)

	total := manifest.RawScore*manifest.Weight + runtime.RawScore*runtime.Weight
	if in.NonStoreInstall {
		total += s.cfg.SideloadBonus
	}
	return total
}

// autoReject holds for conclusive evidence only: a critical
// RCE/exfiltration or runtime component, a token theft chain, or a
// critical remote-execution pattern corroborated by observed
// exfiltration. A high manifest score alone never rejects; declared
// capability is not proof of abuse.
func (s *Scorer) autoReject(in *Input, breakdown []xrs.RiskComponent) bool {
	for _, comp := range breakdown {
		if comp.Degraded {
			continue
		}
		switch comp.Name {
		case xrs.ComponentRCEExfil, xrs.ComponentRuntime, xrs.ComponentNetworkRisk:
			if comp.RawScore >= s.cfg.AutoRejectComponentScore {
				return true
			}
		}
	}
	for _, c := range in.Chains {
		if c.Name == "Token Theft Chain" {
			return true
		}
	}
	if in.DataExfiltration {
		for _, m := range in.Matches {
			if m.Severity != severity.Critical {
				continue
			}
			switch m.Category {
			case xrs.CategoryEval, xrs.CategoryDynamicFunction, xrs.CategoryRemoteLoad:
				return true
			}
		}
	}
	return false
}

func (s *Scorer) verdict(score float64, autoReject bool) xrs.Verdict {
	var class xrs.Classification
	switch {
	case autoReject || score >= s.cfg.MaliciousScore:
		class = xrs.VerdictMalicious
	case score >= s.cfg.HighRiskScore:
		class = xrs.VerdictHighRisk
	case score >= s.cfg.WarningScore:
		class = xrs.VerdictNeedsWarning
	case score >= s.cfg.ModerateRiskScore:
		class = xrs.VerdictModerateRisk
	default:
		class = xrs.VerdictSafe
	}
	return xrs.Verdict{
		Classification:     class,
		RecommendationText: baseRecommendations[class],
		AutoReject:         autoReject,
	}
}

// =============================================================================
// Findings
// =============================================================================

// topFindings scores each pattern match and manifest flag independently
// and keeps the highest-ranked few.
func (s *Scorer) topFindings(in *Input) []xrs.Finding {
	var findings []xrs.Finding

	for _, m := range in.Matches {
		findings = append(findings, xrs.Finding{
			Title:       patternTitle(m.PatternID),
			Description: m.Snippet,
			Category:    string(m.Category),
			Severity:    m.Severity,
			Score:       s.cfg.SeverityPoints[m.Severity],
			File:        m.File,
			Line:        m.Line,
			Occurrences: m.Occurrences,
		})
	}
	for _, sig := range in.CodeSignatures {
		findings = append(findings, xrs.Finding{
			Title:       patternTitle(sig.Match.Name),
			Description: sig.Match.Description,
			Category:    "SIGNATURE",
			Severity:    sig.Match.Severity,
			Score:       sig.Match.Score,
			File:        sig.File,
		})
	}
	for _, m := range in.PermissionHits {
		findings = append(findings, xrs.Finding{
			Title:       patternTitle(m.Name),
			Description: m.Description,
			Category:    "SIGNATURE",
			Severity:    m.Severity,
			Score:       m.Score,
		})
	}
	if in.ExcessiveFingerprinting {
		findings = append(findings, xrs.Finding{
			Title:       "excessive fingerprinting",
			Description: fmt.Sprintf("fingerprinting techniques observed: %s", strings.Join(in.Fingerprinting, ", ")),
			Category:    "FINGERPRINTING",
			Severity:    severity.Medium,
			Score:       s.cfg.SeverityPoints[severity.Medium],
		})
	}
	for _, flag := range in.Manifest.Flags {
		score := s.flagScore(flag)
		if score <= 0 {
			continue
		}
		findings = append(findings, xrs.Finding{
			Title:    flagTitle(flag),
			Category: "MANIFEST",
			Severity: flagSeverity(score),
			Score:    score,
		})
	}

	sort.SliceStable(findings, func(i, j int) bool {
		if findings[i].Score != findings[j].Score {
			return findings[i].Score > findings[j].Score
		}
		// ties by severity, then first-seen order (stable)
		return findings[i].Severity.IsHigherThan(findings[j].Severity)
	})
	if len(findings) > s.cfg.TopFindingsLimit {
		findings = findings[:s.cfg.TopFindingsLimit]
	}
	return findings
}

func (s *Scorer) flagScore(flag string) float64 {
	if v, ok := s.cfg.ManifestFlagScores[flag]; ok {
		return v
	}
	if strings.HasPrefix(flag, "combo:") {
		return s.cfg.ManifestFlagScores["combo:"]
	}
	return 0
}

func flagSeverity(score float64) severity.Level {
	switch {
	case score >= 30:
		return severity.Critical
	case score >= 15:
		return severity.High
	case score >= 5:
		return severity.Medium
	default:
		return severity.Low
	}
}

func patternTitle(id string) string {
	return strings.ReplaceAll(id, "_", " ")
}

func flagTitle(flag string) string {
	switch {
	case flag == "universal_host_access":
		return "universal host access"
	case flag == "excessive_permissions":
		return "excessive permission count"
	case flag == "non_store_install":
		return "non-store install source"
	case strings.HasPrefix(flag, "combo:"):
		return fmt.Sprintf("dangerous permission combination %s", strings.TrimPrefix(flag, "combo:"))
	case strings.HasPrefix(flag, "permission:"):
		return fmt.Sprintf("high-risk permission %s", strings.TrimPrefix(flag, "permission:"))
	case strings.HasPrefix(flag, "csp:"):
		return fmt.Sprintf("weakened content security policy (%s)", strings.TrimPrefix(flag, "csp:"))
	default:
		return flag
	}
}

// =============================================================================
// Recommendations
// =============================================================================

var baseRecommendations = map[xrs.Classification]string{
	xrs.VerdictMalicious:    "Block recommended: the extension shows clear malicious behavior.",
	xrs.VerdictHighRisk:     "Block recommended: multiple critical security issues detected.",
	xrs.VerdictNeedsWarning: "Review required: the extension has significant security concerns.",
	xrs.VerdictModerateRisk: "Caution advised: the extension has some security concerns.",
	xrs.VerdictSafe:         "No action required based on current analysis.",
}

// recommendations is a fixed lookup keyed by verdict and present flags.
func (s *Scorer) recommendations(v xrs.Verdict, in *Input) []string {
	out := []string{baseRecommendations[v.Classification]}

	if containsFlag(in.Manifest.Flags, "universal_host_access") {
		out = append(out, "Narrow host permissions: replace <all_urls> with the specific origins the extension needs.")
	}
	if containsFlag(in.Manifest.Flags, "non_store_install") || in.NonStoreInstall {
		out = append(out, "Verify the install source; sideloaded extensions bypass store review.")
	}
	if in.DataExfiltration {
		out = append(out, "Review outbound POST destinations; observed traffic is consistent with data exfiltration.")
	}
	if in.Obfuscation >= 25 {
		out = append(out, "Request unobfuscated source for review; heavy encoding has no benign use case.")
	}
	if len(in.Chains) > 0 {
		out = append(out, "Investigate the detected attack chains before allowing the extension to run.")
	}
	if len(in.CodeSignatures) > 0 || len(in.PermissionHits) > 0 {
		out = append(out, "The extension matches fingerprints of known malware families; block it and report the publisher.")
	}
	if hasFlagPrefix(in.Manifest.Flags, "csp:") {
		out = append(out, "Tighten the content security policy; extension pages never need relaxed script sources.")
	}
	if in.ExcessiveFingerprinting {
		out = append(out, "Verify the privacy disclosure; the extension fingerprints browser and hardware characteristics.")
	}
	return out
}

// =============================================================================
// Helpers
// =============================================================================

func degradedSet(signals []xrs.DegradedSignal) map[string]bool {
	set := make(map[string]bool, len(signals))
	for _, d := range signals {
		set[d.Component] = true
	}
	return set
}

func fillContributions(breakdown []xrs.RiskComponent, base float64) {
	if base <= 0 {
		return
	}
	for i := range breakdown {
		breakdown[i].ContributionPercentage = breakdown[i].RawScore * breakdown[i].Weight / base * 100
	}
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func containsFlag(flags []string, want string) bool {
	for _, f := range flags {
		if f == want {
			return true
		}
	}
	return false
}

func hasFlagPrefix(flags []string, prefix string) bool {
	for _, f := range flags {
		if strings.HasPrefix(f, prefix) {
			return true
		}
	}
	return false
}
