// Package network implements the network/exfiltration analyzer: it
// classifies observed destinations and cross-checks them against the
// extension's declared reach.
package network

import (
	"regexp"
	"strings"

	"github.com/exploopio/extrisk/pkg/signatures"
	"github.com/exploopio/extrisk/pkg/xrs"
)

// Config tunes domain classification and the sub-score weights.
type Config struct {
	SuspiciousTLDs []string
	ShortenerHosts []string

	// Domains longer than this are treated as evasive
	MaxDomainLength int

	// Subdomain depth above this is treated as evasive
	MaxDots int

	// Payload field names indicating sensitive data
	SensitiveKeys []string

	// Sub-score weights; they sum to 1
	ExfilWeight     float64
	DomainWeight    float64
	PayloadWeight   float64
	FrequencyWeight float64

	// Penalty per permission mismatch class
	MismatchPenalty float64

	MaxScore float64
}

// DefaultConfig returns the default analyzer configuration.
func DefaultConfig() *Config {
	return &Config{
		SuspiciousTLDs: []string{".tk", ".ml", ".ga", ".cf", ".gq", ".xyz"},
		ShortenerHosts: []string{"bit.ly", "tinyurl.com", "t.co", "goo.gl"},

		MaxDomainLength: 50,
		MaxDots:         3,

		SensitiveKeys: []string{
			"token", "cookie", "session", "password", "passwd", "pwd",
			"credit_card", "creditcard", "cc_number", "cvv", "ssn",
			"api_key", "apikey", "secret", "auth", "authorization",
			"private_key", "privatekey", "access_token", "refresh_token",
		},

		ExfilWeight:     0.4,
		DomainWeight:    0.2,
		PayloadWeight:   0.2,
		FrequencyWeight: 0.2,

		MismatchPenalty: 15,

		MaxScore: 100,
	}
}

// Result is the network analysis output.
type Result struct {
	// Weighted network risk in [0,100]
	Score float64 `json:"score"`

	// Observed destinations classified as suspicious, sorted
	SuspiciousDomains []string `json:"suspicious_domains,omitempty"`

	// Destinations of outbound POSTs not covered by declared host
	// permissions, sorted
	MismatchedDomains []string `json:"mismatched_domains,omitempty"`

	// True on any outbound POST/beacon, independent of suspicion tier
	DataExfiltration bool `json:"data_exfiltration"`

	Flags   []string `json:"flags,omitempty"`
	Reasons []string `json:"reasons,omitempty"`
}

// Analyzer classifies network behavior. Safe for concurrent use.
type Analyzer struct {
	cfg  *Config
	sigs *signatures.Database

	ipRe     *regexp.Regexp
	randomRe *regexp.Regexp
}

// New creates a network analyzer. cfg and sigs may be nil; a nil signature
// database disables blacklist checks.
func New(cfg *Config, sigs *signatures.Database) *Analyzer {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Analyzer{
		cfg:      cfg,
		sigs:     sigs,
		ipRe:     regexp.MustCompile(`\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}`),
		randomRe: regexp.MustCompile(`[a-z]\d[a-z]\d`),
	}
}

// Analyze classifies the destinations observed in a behavior vector, plus
// any domains surfaced by pattern evidence, against the extension's
// declared host reach. vector may be nil when only static evidence exists.
func (a *Analyzer) Analyze(artifact *xrs.ExtensionArtifact, vector *xrs.BehaviorVector, patternDomains []string) Result {
	res := Result{}
	cfg := a.cfg

	allDomains := make(map[string]struct{})
	for _, d := range patternDomains {
		if d != "" {
			allDomains[strings.ToLower(d)] = struct{}{}
		}
	}

	var posts []xrs.OutboundPost
	if vector != nil {
		for _, d := range vector.FetchDomains {
			allDomains[strings.ToLower(d)] = struct{}{}
		}
		for _, d := range vector.XHRDomains {
			allDomains[strings.ToLower(d)] = struct{}{}
		}
		for _, p := range vector.Posts {
			allDomains[strings.ToLower(p.Domain)] = struct{}{}
		}
		posts = vector.Posts
		res.DataExfiltration = vector.ExternalPost || len(posts) > 0
	}

	// Exfiltration sub-score: suspicious destinations and volume.
	exfilScore := 0.0
	totalPosts := 0
	for _, p := range posts {
		totalPosts += p.Count
		if a.IsSuspicious(p.Domain) {
			exfilScore += 10
		}
	}
	if totalPosts > 10 {
		exfilScore += 15
		res.Flags = append(res.Flags, "high_exfiltration_volume")
	} else if totalPosts > 5 {
		exfilScore += 10
	}
	exfilScore = capScore(exfilScore, cfg.MaxScore)

	// Domain sub-score: every suspicious destination in reach.
	domainScore := 0.0
	var suspicious []string
	for d := range allDomains {
		if a.IsSuspicious(d) {
			suspicious = append(suspicious, d)
			domainScore += 5
			res.Reasons = append(res.Reasons, "suspicious destination "+d)
		}
	}
	domainScore = capScore(domainScore, cfg.MaxScore)
	res.SuspiciousDomains = xrs.SortedSet(suspicious)

	// Payload sub-score: sensitive field names in outbound bodies.
	payloadScore := 0.0
	for _, p := range posts {
		if keys := a.sensitiveKeys(p.PayloadKeys); len(keys) > 0 {
			payloadScore += 20
			res.Flags = append(res.Flags, "sensitive_payload:"+p.Domain)
			res.Reasons = append(res.Reasons, "payload to "+p.Domain+" carries "+strings.Join(keys, ","))
		}
	}
	payloadScore = capScore(payloadScore, cfg.MaxScore)

	// Frequency sub-score: outbound rate over the window.
	freqScore := 0.0
	if vector != nil && vector.WindowSeconds > 0 && totalPosts > 0 {
		perMinute := float64(totalPosts) / (vector.WindowSeconds / 60)
		if perMinute > 10 {
			freqScore += 15
		} else if perMinute > 5 {
			freqScore += 10
		}
		if totalPosts > 20 {
			freqScore += 10
			res.Flags = append(res.Flags, "sustained_exfiltration")
		}
	}
	freqScore = capScore(freqScore, cfg.MaxScore)

	score := exfilScore*cfg.ExfilWeight +
		domainScore*cfg.DomainWeight +
		payloadScore*cfg.PayloadWeight +
		freqScore*cfg.FrequencyWeight

	// Permission cross-check: outbound POSTs beyond the declared reach.
	if artifact != nil && len(posts) > 0 {
		var mismatched []string
		for _, p := range posts {
			if !hostReachCovers(artifact.HostPermissions, p.Domain) {
				mismatched = append(mismatched, strings.ToLower(p.Domain))
			}
		}
		if len(mismatched) > 0 {
			res.MismatchedDomains = xrs.SortedSet(mismatched)
			res.Flags = append(res.Flags, "permission_mismatch")
			res.Reasons = append(res.Reasons, "outbound POST beyond declared host permissions")
			score += cfg.MismatchPenalty
		}
	}

	res.Score = capScore(score, cfg.MaxScore)
	res.Flags = xrs.SortedSet(res.Flags)
	return res
}

// IsSuspicious classifies one domain: blacklist, abused TLDs, shorteners,
// IP literals, evasive shapes.
func (a *Analyzer) IsSuspicious(domain string) bool {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return false
	}
	if a.sigs != nil {
		if a.sigs.IsKnownGood(domain) {
			return false
		}
		if a.sigs.IsBlacklisted(domain) {
			return true
		}
	}
	for _, tld := range a.cfg.SuspiciousTLDs {
		if strings.HasSuffix(domain, tld) {
			return true
		}
	}
	for _, s := range a.cfg.ShortenerHosts {
		if domain == s || strings.HasSuffix(domain, "."+s) {
			return true
		}
	}
	if len(domain) > a.cfg.MaxDomainLength {
		return true
	}
	if a.ipRe.MatchString(domain) {
		return true
	}
	if strings.Count(domain, ".") > a.cfg.MaxDots {
		return true
	}
	// Alternating letter-digit runs look machine-generated; CDN hosts are
	// the common benign exception.
	if len(domain) >= 10 && a.randomRe.MatchString(domain) && !strings.Contains(domain, "cdn") {
		return true
	}
	return false
}

func (a *Analyzer) sensitiveKeys(keys []string) []string {
	var found []string
	for _, k := range keys {
		lk := strings.ToLower(k)
		for _, s := range a.cfg.SensitiveKeys {
			if strings.Contains(lk, s) {
				found = append(found, k)
				break
			}
		}
	}
	return found
}

// hostReachCovers reports whether any declared host pattern covers the
// domain.
func hostReachCovers(hostPermissions []string, domain string) bool {
	domain = strings.ToLower(domain)
	for _, pattern := range hostPermissions {
		if matchesHostPattern(domain, pattern) {
			return true
		}
	}
	return false
}

func matchesHostPattern(domain, pattern string) bool {
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	switch pattern {
	case "<all_urls>", "*://*/*", "http://*/*", "https://*/*":
		return true
	}

	// Strip scheme and path from match patterns like https://*.example.com/*
	host := pattern
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}
	if i := strings.IndexByte(host, '/'); i >= 0 {
		host = host[:i]
	}

	switch {
	case host == "*":
		return true
	case strings.HasPrefix(host, "*."):
		suffix := host[1:] // keep the dot
		return domain == host[2:] || strings.HasSuffix(domain, suffix)
	default:
		return domain == host
	}
}

func capScore(s, max float64) float64 {
	if s > max {
		return max
	}
	if s < 0 {
		return 0
	}
	return s
}
