// Package signatures holds the signature database: known-bad domains and
// code/permission fingerprints of known malicious extensions, plus a feed
// client that refreshes the database from a remote source.
package signatures

import (
	"fmt"
	"regexp"
	"sync"

	"github.com/exploopio/extrisk/pkg/shared/severity"
	"github.com/exploopio/extrisk/pkg/xrs"
)

// CodeFingerprint is a unique code pattern taken from known malware.
type CodeFingerprint struct {
	Name        string         `json:"name"`
	Pattern     string         `json:"pattern"`
	Description string         `json:"description"`
	Severity    severity.Level `json:"severity"`
	Score       float64        `json:"score"`

	re *regexp.Regexp
}

// PermissionFingerprint is a permission set characteristic of known malware.
// It matches only when every listed permission or host pattern is declared.
type PermissionFingerprint struct {
	Name        string         `json:"name"`
	Permissions []string       `json:"permissions"`
	Description string         `json:"description"`
	Severity    severity.Level `json:"severity"`
	Score       float64        `json:"score"`
}

// Database is an immutable signature set. Replace the whole value to update;
// individual fields are never mutated after Compile.
type Database struct {
	// Exact-match known malicious domains
	DomainBlacklist []string `json:"domain_blacklist"`

	// Destinations never treated as exfiltration targets
	KnownGoodDomains []string `json:"known_good_domains"`

	CodeFingerprints       []CodeFingerprint       `json:"code_fingerprints"`
	PermissionFingerprints []PermissionFingerprint `json:"permission_fingerprints"`

	blacklistSet map[string]struct{}
	knownGoodSet map[string]struct{}
}

// Default returns the built-in signature database.
func Default() *Database {
	db := &Database{
		DomainBlacklist: []string{
			"analytics-backdoor.site",
			"data-collect.ml",
			"exfiltrate.tk",
			"malicious-api.cf",
			"steal-info.ga",
			"sync-data.xyz",
		},
		KnownGoodDomains: []string{
			"example.com",
			"github.com",
			"google.com",
			"localhost",
			"microsoft.com",
			"mozilla.org",
		},
		CodeFingerprints: []CodeFingerprint{
			{
				Name:        "credential_stealer_v1",
				Pattern:     `chrome\.cookies\.getAll[\s\S]*function[\s\S]*fetch`,
				Description: "Credential stealer pattern: cookies.getAll + fetch",
				Severity:    severity.Critical,
				Score:       40,
			},
			{
				Name:        "keylogger_v1",
				Pattern:     `addEventListener\s*\(\s*["']keydown["'][\s\S]*sendMessage`,
				Description: "Keylogger pattern: keydown listener + sendMessage",
				Severity:    severity.Critical,
				Score:       40,
			},
			{
				Name:        "data_exfil_v1",
				Pattern:     `chrome\.storage\.local\.get[\s\S]*fetch[\s\S]*POST`,
				Description: "Data exfiltration pattern: storage.get + fetch POST",
				Severity:    severity.High,
				Score:       30,
			},
			{
				Name:        "session_hijack_v1",
				Pattern:     `chrome\.cookies\.get[\s\S]*chrome\.tabs\.sendMessage`,
				Description: "Session hijack pattern: cookies.get + tabs.sendMessage",
				Severity:    severity.Critical,
				Score:       35,
			},
			{
				Name:        "obfuscated_payload_v1",
				Pattern:     `eval\s*\(\s*atob\s*\(\s*atob`,
				Description: "Multi-layer obfuscation: nested atob + eval",
				Severity:    severity.High,
				Score:       30,
			},
			{
				Name:        "iife_unpack_v1",
				Pattern:     `\(function[\s\S]*\)\s*\(\s*\)[\s\S]*eval\s*\(\s*atob`,
				Description: "IIFE unpack pattern: IIFE + eval(atob)",
				Severity:    severity.High,
				Score:       25,
			},
		},
		PermissionFingerprints: []PermissionFingerprint{
			{
				Name:        "ultimate_control",
				Permissions: []string{"cookies", "webRequestBlocking", "proxy", "<all_urls>"},
				Description: "Ultimate control: can intercept and modify all traffic",
				Severity:    severity.Critical,
				Score:       50,
			},
			{
				Name:        "credential_harvester",
				Permissions: []string{"cookies", "webRequest", "<all_urls>", "tabs"},
				Description: "Credential harvester: can steal cookies and monitor tabs",
				Severity:    severity.Critical,
				Score:       45,
			},
			{
				Name:        "data_collector",
				Permissions: []string{"history", "tabs", "storage", "webRequest"},
				Description: "Data collector: can gather browsing history and data",
				Severity:    severity.High,
				Score:       35,
			},
			{
				Name:        "code_injector",
				Permissions: []string{"scripting", "<all_urls>", "webRequest"},
				Description: "Code injector: can inject scripts into all pages",
				Severity:    severity.High,
				Score:       40,
			},
		},
	}
	// Built-in patterns are fixed at compile time; a failure here would be
	// caught by the package tests.
	_ = db.Compile()
	return db
}

// Compile builds the lookup sets and compiles fingerprint regexes.
// An invalid fingerprint pattern is an error: a database that silently
// skips a fingerprint would stop matching the malware it was shipped for.
func (db *Database) Compile() error {
	db.DomainBlacklist = xrs.SortedSet(db.DomainBlacklist)
	db.KnownGoodDomains = xrs.SortedSet(db.KnownGoodDomains)

	db.blacklistSet = make(map[string]struct{}, len(db.DomainBlacklist))
	for _, d := range db.DomainBlacklist {
		db.blacklistSet[d] = struct{}{}
	}
	db.knownGoodSet = make(map[string]struct{}, len(db.KnownGoodDomains))
	for _, d := range db.KnownGoodDomains {
		db.knownGoodSet[d] = struct{}{}
	}

	for i := range db.CodeFingerprints {
		re, err := regexp.Compile("(?i)" + db.CodeFingerprints[i].Pattern)
		if err != nil {
			return fmt.Errorf("code fingerprint %q: %w", db.CodeFingerprints[i].Name, err)
		}
		db.CodeFingerprints[i].re = re
	}
	return nil
}

// IsBlacklisted reports whether domain (or a parent domain) is blacklisted.
func (db *Database) IsBlacklisted(domain string) bool {
	if domain == "" {
		return false
	}
	if _, ok := db.blacklistSet[domain]; ok {
		return true
	}
	// Subdomain of a blacklisted domain counts too.
	for d := range db.blacklistSet {
		if len(domain) > len(d) && domain[len(domain)-len(d)-1] == '.' &&
			domain[len(domain)-len(d):] == d {
			return true
		}
	}
	return false
}

// IsKnownGood reports whether domain (or a parent domain) is allowlisted.
func (db *Database) IsKnownGood(domain string) bool {
	if domain == "" {
		return false
	}
	if _, ok := db.knownGoodSet[domain]; ok {
		return true
	}
	for d := range db.knownGoodSet {
		if len(domain) > len(d) && domain[len(domain)-len(d)-1] == '.' &&
			domain[len(domain)-len(d):] == d {
			return true
		}
	}
	return false
}

// FingerprintMatch is one matched fingerprint.
type FingerprintMatch struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Severity    severity.Level `json:"severity"`
	Score       float64        `json:"score"`
}

// MatchCode checks source text against every code fingerprint.
func (db *Database) MatchCode(text string) []FingerprintMatch {
	var matches []FingerprintMatch
	for _, fp := range db.CodeFingerprints {
		if fp.re == nil {
			continue
		}
		if fp.re.MatchString(text) {
			matches = append(matches, FingerprintMatch{
				Name:        fp.Name,
				Description: fp.Description,
				Severity:    fp.Severity,
				Score:       fp.Score,
			})
		}
	}
	return matches
}

// MatchPermissions checks the declared permission and host sets against
// every permission fingerprint. A fingerprint matches only when all of its
// entries are declared.
func (db *Database) MatchPermissions(permissions, hostPermissions []string) []FingerprintMatch {
	var matches []FingerprintMatch
	for _, fp := range db.PermissionFingerprints {
		all := true
		for _, want := range fp.Permissions {
			if !xrs.ContainsFold(permissions, want) && !xrs.ContainsFold(hostPermissions, want) {
				all = false
				break
			}
		}
		if all {
			matches = append(matches, FingerprintMatch{
				Name:        fp.Name,
				Description: fp.Description,
				Severity:    fp.Severity,
				Score:       fp.Score,
			})
		}
	}
	return matches
}

// =============================================================================
// Provider
// =============================================================================

// Provider hands out the current database and accepts atomic replacements
// from the feed updater. Safe for concurrent use.
type Provider struct {
	mu sync.RWMutex
	db *Database
}

// NewProvider creates a provider seeded with the given database,
// or the built-in default when db is nil.
func NewProvider(db *Database) *Provider {
	if db == nil {
		db = Default()
	}
	return &Provider{db: db}
}

// Current returns the active database.
func (p *Provider) Current() *Database {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.db
}

// Replace swaps in a new database. Nil is ignored.
func (p *Provider) Replace(db *Database) {
	if db == nil {
		return
	}
	p.mu.Lock()
	p.db = db
	p.mu.Unlock()
}
