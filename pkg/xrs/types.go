// Package xrs defines the eXtension Risk Schema: the typed inputs and the
// RiskReport document produced by the risk engine.
package xrs

import (
	"slices"
	"strings"
	"time"

	"github.com/exploopio/extrisk/pkg/shared/severity"
)

// SchemaVersion is the current report schema version.
const SchemaVersion = "1.0"

// =============================================================================
// Input Types
// =============================================================================

// ExtensionArtifact is the immutable static bundle describing one extension.
// It is the input to a single analysis run and is never mutated by the engine.
type ExtensionArtifact struct {
	// Unique extension identifier (required)
	ID string `json:"id"`

	// Human-readable name
	Name string `json:"name,omitempty"`

	// Extension version
	Version string `json:"version,omitempty"`

	// Manifest schema version (2 or 3)
	ManifestVersion int `json:"manifest_version,omitempty"`

	// Declared API permissions
	Permissions []string `json:"permissions,omitempty"`

	// Declared host permissions / host match patterns
	HostPermissions []string `json:"host_permissions,omitempty"`

	// Content script injection rules
	ContentScriptRules []ContentScriptRule `json:"content_script_rules,omitempty"`

	// Extracted source files; empty in monitoring mode
	SourceFiles []SourceFile `json:"source_files,omitempty"`

	// Content security policy applied to extension pages. MV2 declares a
	// single string, MV3 nests it under extension_pages; the loader
	// normalizes both forms here.
	ContentSecurityPolicy string `json:"content_security_policy,omitempty"`

	// Install origin: store, sideload, unpacked, unknown
	InstallSource InstallSource `json:"install_source,omitempty"`
}

// ContentScriptRule describes one content_scripts entry.
type ContentScriptRule struct {
	Matches   []string `json:"matches,omitempty"`
	RunAt     string   `json:"run_at,omitempty"`
	AllFrames bool     `json:"all_frames,omitempty"`
}

// SourceFile is one extracted source file.
type SourceFile struct {
	Path string `json:"path"`
	Text string `json:"text"`
}

// InstallSource describes where the extension came from.
type InstallSource string

const (
	InstallSourceStore    InstallSource = "store"
	InstallSourceSideload InstallSource = "sideload"
	InstallSourceUnpacked InstallSource = "unpacked"
	InstallSourceUnknown  InstallSource = "unknown"
)

// IsStore reports whether the extension was installed from a store.
func (s InstallSource) IsStore() bool {
	return s == InstallSourceStore || s == ""
}

// =============================================================================
// Component Results
// =============================================================================

// ManifestFinding is the Manifest Static Analyzer result.
// Produced once per artifact; never mutated after creation.
type ManifestFinding struct {
	// Score in [0,100]
	Score float64 `json:"score"`

	// Triggered capability/combination flag IDs, sorted
	Flags []string `json:"flags,omitempty"`

	// Human-readable reasons, insertion order
	Reasons []string `json:"reasons,omitempty"`

	// Unrestricted host access declared
	UniversalHostAccess bool `json:"universal_host_access"`

	// Number of declared API permissions
	PermissionCount int `json:"permission_count"`
}

// PatternCategory classifies a dangerous source construct.
type PatternCategory string

const (
	CategoryEval            PatternCategory = "EVAL"
	CategoryDynamicFunction PatternCategory = "DYNAMIC_FUNCTION"
	CategoryRemoteLoad      PatternCategory = "REMOTE_LOAD"
	CategoryExfilCookie     PatternCategory = "EXFIL_COOKIE"
	CategoryExfilToken      PatternCategory = "EXFIL_TOKEN"
	CategoryExfilKeylog     PatternCategory = "EXFIL_KEYLOG"
	CategoryObfuscation     PatternCategory = "OBFUSCATION"
)

// AllPatternCategories returns all valid pattern categories.
func AllPatternCategories() []PatternCategory {
	return []PatternCategory{
		CategoryEval,
		CategoryDynamicFunction,
		CategoryRemoteLoad,
		CategoryExfilCookie,
		CategoryExfilToken,
		CategoryExfilKeylog,
		CategoryObfuscation,
	}
}

// IsValid checks if the category is valid.
func (c PatternCategory) IsValid() bool {
	return slices.Contains(AllPatternCategories(), c)
}

// String returns the string representation.
func (c PatternCategory) String() string {
	return string(c)
}

// PatternMatch is one dangerous construct found in a source file.
// The first occurrence per (file, category) is kept for evidence;
// further occurrences only increment Occurrences.
type PatternMatch struct {
	File      string          `json:"file"`
	Line      int             `json:"line"`
	PatternID string          `json:"pattern_id"`
	Category  PatternCategory `json:"category"`
	Severity  severity.Level  `json:"severity"`
	Snippet   string          `json:"snippet,omitempty"`

	// Occurrences counts repeats of the same category in the same file
	Occurrences int `json:"occurrences"`
}

// ObfuscationSignal summarizes obfuscation measurements for one file.
type ObfuscationSignal struct {
	File string `json:"file"`

	// Shannon entropy over identifiers and string literals
	ShannonEntropy float64 `json:"shannon_entropy"`

	// Count of nested decode-call wrapping detected
	EncodingChainDepth int `json:"encoding_chain_depth"`

	// An encoded literal exceeded the configured length threshold
	HasLongEncodedBlob bool `json:"has_long_encoded_blob"`

	// Ratio of identifiers matching the randomized-naming heuristic
	RandomIdentifierRatio float64 `json:"random_identifier_ratio"`

	// Tier classification derived from entropy and density
	Tier ObfuscationTier `json:"tier"`
}

// ObfuscationTier classifies how obfuscated a file looks.
type ObfuscationTier string

const (
	ObfuscationNone     ObfuscationTier = "none"
	ObfuscationMinified ObfuscationTier = "minified"
	ObfuscationHeavy    ObfuscationTier = "heavy"
)

// =============================================================================
// Behavior Types
// =============================================================================

// Frequency buckets the observed event rate.
type Frequency string

const (
	FrequencyLow    Frequency = "LOW"
	FrequencyMedium Frequency = "MEDIUM"
	FrequencyHigh   Frequency = "HIGH"
)

// AllFrequencies returns all valid frequency buckets.
func AllFrequencies() []Frequency {
	return []Frequency{FrequencyLow, FrequencyMedium, FrequencyHigh}
}

// IsValid checks if the frequency is valid.
func (f Frequency) IsValid() bool {
	return slices.Contains(AllFrequencies(), f)
}

// OutboundPost records one observed outbound POST/beacon destination.
type OutboundPost struct {
	Domain string `json:"domain"`

	// Payload field names observed in the request body, sorted
	PayloadKeys []string `json:"payload_keys,omitempty"`

	// Sent via navigator.sendBeacon (fire-and-forget)
	Beacon bool `json:"beacon,omitempty"`

	// Number of requests observed to this destination
	Count int `json:"count"`
}

// BehaviorVector is the normalized summary of runtime behavior over one
// observation window. It replaces the raw event stream and is recomputed
// as new events arrive within the window.
type BehaviorVector struct {
	DOMInjection     bool `json:"dom_injection"`
	FormHijacking    bool `json:"form_hijacking"`
	KeystrokeCapture bool `json:"keystroke_capture"`
	ExternalPost     bool `json:"external_post"`

	// Destination domains, sorted
	FetchDomains []string `json:"fetch_domains,omitempty"`
	XHRDomains   []string `json:"xhr_domains,omitempty"`

	// Observed outbound POST/beacon destinations, sorted by domain
	Posts []OutboundPost `json:"posts,omitempty"`

	// Event rate bucket over the window
	Frequency Frequency `json:"frequency"`

	// Raw counters backing the frequency classification
	EventCount    int     `json:"event_count"`
	WindowSeconds float64 `json:"window_seconds"`

	// Normalized attack chain events observed in the window
	Events []AttackChainEvent `json:"events,omitempty"`
}

// EventsPerSecond returns the observed event rate.
func (v *BehaviorVector) EventsPerSecond() float64 {
	if v.WindowSeconds <= 0 {
		return 0
	}
	return float64(v.EventCount) / v.WindowSeconds
}

// =============================================================================
// Correlation Types
// =============================================================================

// EventKind is the closed set of attack chain event kinds.
type EventKind string

const (
	EventKeylogging       EventKind = "KEYLOGGING"
	EventFormDataCapture  EventKind = "FORM_DATA_CAPTURE"
	EventDataExfiltration EventKind = "DATA_EXFILTRATION"
	EventCookieAccess     EventKind = "COOKIE_ACCESS"
	EventStorageAccess    EventKind = "STORAGE_ACCESS"
	EventScriptInjection  EventKind = "SCRIPT_INJECTION"
	EventEvalExecution    EventKind = "EVAL_EXECUTION"
	EventTokenAccess      EventKind = "TOKEN_ACCESS"
	EventTokenTheft       EventKind = "TOKEN_THEFT"
	EventSessionHijacking EventKind = "SESSION_HIJACKING"
)

// AllEventKinds returns all valid event kinds.
func AllEventKinds() []EventKind {
	return []EventKind{
		EventKeylogging,
		EventFormDataCapture,
		EventDataExfiltration,
		EventCookieAccess,
		EventStorageAccess,
		EventScriptInjection,
		EventEvalExecution,
		EventTokenAccess,
		EventTokenTheft,
		EventSessionHijacking,
	}
}

// IsValid checks if the event kind is valid.
func (k EventKind) IsValid() bool {
	return slices.Contains(AllEventKinds(), k)
}

// String returns the string representation.
func (k EventKind) String() string {
	return string(k)
}

// AttackChainEvent is one time-stamped event on the attack timeline,
// derived from pattern matches and behavior observations.
type AttackChainEvent struct {
	Kind EventKind `json:"kind"`

	// Milliseconds since the start of the observation window
	TimestampMs int64 `json:"timestamp_ms"`

	// Independent corroborating evidence count for this event
	EvidenceCount int `json:"evidence_count,omitempty"`
}

// AttackChain is a named, ordered threat sequence matched on the timeline.
// Read-only once emitted.
type AttackChain struct {
	Name            string      `json:"name"`
	Steps           []EventKind `json:"steps"`
	DurationSeconds float64     `json:"duration_seconds"`
	Confidence      float64     `json:"confidence"`
	RiskBoost       float64     `json:"risk_boost"`
}

// CrossCorrelation records a declared capability corroborated by an
// independently observed behavior. Reported distinctly from attack chains.
type CrossCorrelation struct {
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Bonus       float64 `json:"bonus"`
}

// =============================================================================
// Report Types
// =============================================================================

// RiskLevel is the coarse risk tier of a report.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// RiskLevelFromScore maps a clamped score onto the risk tiers:
// LOW 0-30, MEDIUM 31-60, HIGH 61-80, CRITICAL 81-100.
func RiskLevelFromScore(score float64) RiskLevel {
	switch {
	case score > 80:
		return RiskCritical
	case score > 60:
		return RiskHigh
	case score > 30:
		return RiskMedium
	default:
		return RiskLow
	}
}

// Classification is the final categorical verdict.
type Classification string

const (
	VerdictSafe         Classification = "SAFE"
	VerdictNeedsWarning Classification = "NEEDS_WARNING"
	VerdictModerateRisk Classification = "MODERATE_RISK"
	VerdictHighRisk     Classification = "HIGH_RISK"
	VerdictMalicious    Classification = "MALICIOUS"
)

// AllClassifications returns all valid classifications.
func AllClassifications() []Classification {
	return []Classification{
		VerdictSafe,
		VerdictNeedsWarning,
		VerdictModerateRisk,
		VerdictHighRisk,
		VerdictMalicious,
	}
}

// IsValid checks if the classification is valid.
func (c Classification) IsValid() bool {
	return slices.Contains(AllClassifications(), c)
}

// Verdict is the final judgment, distinct from the numeric score.
type Verdict struct {
	Classification     Classification `json:"classification"`
	RecommendationText string         `json:"recommendation_text,omitempty"`
	AutoReject         bool           `json:"auto_reject"`
}

// ScoringSource says where the final score came from.
type ScoringSource string

const (
	ScoringSourceRemote      ScoringSource = "remote"
	ScoringSourceLocal       ScoringSource = "local"
	ScoringSourceUnavailable ScoringSource = "unavailable"
)

// RiskComponent is one weighted term of the score breakdown.
type RiskComponent struct {
	Name     string  `json:"name"`
	RawScore float64 `json:"raw_score"`
	Weight   float64 `json:"weight"`

	// Percentage of the pre-bonus score contributed by this component
	ContributionPercentage float64 `json:"contribution_percentage"`

	// Degraded marks a component that ran with partial or no input and
	// contributed zero weight
	Degraded bool `json:"degraded,omitempty"`
}

// Component names used in report breakdowns.
const (
	ComponentManifest     = "manifest"
	ComponentCodePatterns = "code_patterns"
	ComponentRCEExfil     = "rce_exfil"
	ComponentObfuscation  = "obfuscation"
	ComponentAPIAbuse     = "api_abuse"
	ComponentNetworkRisk  = "network_risk"
	ComponentRuntime      = "runtime_behavior"
)

// DegradedSignal documents a pipeline stage that ran with partial or no
// input data.
type DegradedSignal struct {
	Component string `json:"component"`
	Reason    string `json:"reason"`
}

// Finding is one ranked, individually scored observation.
type Finding struct {
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Category    string         `json:"category"`
	Severity    severity.Level `json:"severity"`
	Score       float64        `json:"score"`
	File        string         `json:"file,omitempty"`
	Line        int            `json:"line,omitempty"`
	Occurrences int            `json:"occurrences,omitempty"`
	Fingerprint string         `json:"fingerprint,omitempty"`
}

// Evidence collects the raw material backing the findings.
type Evidence struct {
	CodeSnippets []string `json:"code_snippets,omitempty"`
	Payloads     []string `json:"payloads,omitempty"`
	Domains      []string `json:"domains,omitempty"`
	BehaviorLogs []string `json:"behavior_logs,omitempty"`
}

// AnalysisMode selects the scoring mode, determined by input shape.
type AnalysisMode string

const (
	ModeFullHybrid AnalysisMode = "full_hybrid"
	ModeMonitoring AnalysisMode = "monitoring"
)

// RiskReport is the sole externally exposed result of an analysis run.
// For identical inputs the engine must produce byte-identical JSON, so the
// engine itself never stamps wall-clock time; GeneratedAt is left to the
// caller.
type RiskReport struct {
	SchemaVersion string       `json:"schema_version"`
	ExtensionID   string       `json:"extension_id"`
	Name          string       `json:"name,omitempty"`
	Version       string       `json:"version,omitempty"`
	Mode          AnalysisMode `json:"mode"`

	RiskScore float64   `json:"risk_score"`
	RiskLevel RiskLevel `json:"risk_level"`

	Breakdown         []RiskComponent    `json:"breakdown"`
	TopFindings       []Finding          `json:"top_findings,omitempty"`
	AttackChains      []AttackChain      `json:"attack_chains,omitempty"`
	CrossCorrelations []CrossCorrelation `json:"cross_correlations,omitempty"`
	Evidence          Evidence           `json:"evidence"`
	Recommendations   []string           `json:"recommendations,omitempty"`
	Verdict           Verdict            `json:"verdict"`

	Degraded          []DegradedSignal `json:"degraded,omitempty"`
	ScoringSource     ScoringSource    `json:"scoring_source"`
	UsingRemoteSource bool             `json:"using_remote_source"`

	// Stamped by the caller, not the engine
	GeneratedAt *time.Time `json:"generated_at,omitempty"`
}

// NewReport creates a report skeleton for the given artifact.
func NewReport(artifact *ExtensionArtifact, mode AnalysisMode) *RiskReport {
	r := &RiskReport{
		SchemaVersion: SchemaVersion,
		Mode:          mode,
		ScoringSource: ScoringSourceLocal,
		Breakdown:     make([]RiskComponent, 0),
	}
	if artifact != nil {
		r.ExtensionID = artifact.ID
		r.Name = artifact.Name
		r.Version = artifact.Version
	}
	return r
}

// =============================================================================
// Set Helpers
// =============================================================================

// SortedSet deduplicates, trims, and sorts a string slice.
// All set-valued schema fields go through this so that report JSON is
// deterministic.
func SortedSet(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil
	}
	slices.Sort(out)
	return out
}

// ContainsFold reports whether set contains value, case-insensitively.
func ContainsFold(set []string, value string) bool {
	for _, s := range set {
		if strings.EqualFold(s, value) {
			return true
		}
	}
	return false
}
