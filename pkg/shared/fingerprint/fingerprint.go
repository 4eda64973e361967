// Package fingerprint provides stable fingerprint generation for
// deduplicating findings and evidence across analysis runs.
//
// Fingerprints are deterministic: identical inputs must always yield the
// same value so that stored scan history can be matched across runs.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Type represents the kind of finding a fingerprint identifies.
type Type string

const (
	// TypePattern is for source code pattern matches.
	TypePattern Type = "pattern"

	// TypeManifest is for manifest capability flags.
	TypeManifest Type = "manifest"

	// TypeBehavior is for normalized runtime behavior events.
	TypeBehavior Type = "behavior"

	// TypeDomain is for network destination findings.
	TypeDomain Type = "domain"

	// TypeChain is for reconstructed attack chains.
	TypeChain Type = "chain"

	// TypeGeneric is the fallback for findings that fit no other category.
	TypeGeneric Type = "generic"
)

// Input contains the data needed to generate a fingerprint.
// Only the fields relevant to the finding type need to be set.
type Input struct {
	Type Type

	// Common fields
	RuleID    string // Pattern ID, flag ID, or chain name
	FilePath  string // Source file for pattern findings
	Message   string
	StartLine int

	// Manifest fields
	ExtensionID string
	Flag        string

	// Behavior fields
	EventKind string
	Second    int64 // Event timestamp truncated to seconds

	// Domain fields
	Domain string
}

// Generate creates a fingerprint for the given input.
// The fingerprint is a SHA256 hash (64 hex characters).
func Generate(input Input) string {
	var data string

	switch input.Type {
	case TypePattern:
		// Same pattern at the same file/line is the same finding.
		data = fmt.Sprintf("pattern:%s:%s:%d",
			normalize(input.FilePath),
			normalize(input.RuleID),
			input.StartLine,
		)

	case TypeManifest:
		// One finding per extension per capability flag.
		data = fmt.Sprintf("manifest:%s:%s",
			normalize(input.ExtensionID),
			normalize(input.Flag),
		)

	case TypeBehavior:
		// Events collapse per kind, second, and payload digest carried
		// in Message. This is the dedup key of the behavior normalizer.
		data = fmt.Sprintf("behavior:%s:%s:%d:%s",
			normalize(input.ExtensionID),
			normalize(input.EventKind),
			input.Second,
			normalize(input.Message),
		)

	case TypeDomain:
		data = fmt.Sprintf("domain:%s:%s",
			normalizeHost(input.Domain),
			normalize(input.RuleID),
		)

	case TypeChain:
		data = fmt.Sprintf("chain:%s:%s",
			normalize(input.ExtensionID),
			normalize(input.RuleID),
		)

	default:
		data = fmt.Sprintf("generic:%s:%s:%d:%s",
			normalize(input.RuleID),
			normalize(input.FilePath),
			input.StartLine,
			normalize(input.Message),
		)
	}

	return Hash(data)
}

// GeneratePattern creates a fingerprint for a source pattern match.
func GeneratePattern(filePath, patternID string, line int) string {
	return Generate(Input{
		Type:      TypePattern,
		FilePath:  filePath,
		RuleID:    patternID,
		StartLine: line,
	})
}

// GenerateManifest creates a fingerprint for a manifest capability flag.
func GenerateManifest(extensionID, flag string) string {
	return Generate(Input{
		Type:        TypeManifest,
		ExtensionID: extensionID,
		Flag:        flag,
	})
}

// GenerateBehavior creates the dedup key for a runtime event.
func GenerateBehavior(extensionID, eventKind string, second int64, payloadDigest string) string {
	return Generate(Input{
		Type:        TypeBehavior,
		ExtensionID: extensionID,
		EventKind:   eventKind,
		Second:      second,
		Message:     payloadDigest,
	})
}

// GenerateDomain creates a fingerprint for a network destination finding.
func GenerateDomain(domain, ruleID string) string {
	return Generate(Input{
		Type:   TypeDomain,
		Domain: domain,
		RuleID: ruleID,
	})
}

// Hash computes the SHA256 hash of the input string.
// Returns 64 hex characters.
func Hash(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}

// normalize cleans up a string for consistent fingerprinting.
func normalize(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ToLower(s)
	// Normalize Windows paths to Unix style
	s = strings.ReplaceAll(s, "\\", "/")
	return s
}

// normalizeHost cleans up a hostname.
func normalizeHost(host string) string {
	host = strings.TrimSpace(host)
	host = strings.ToLower(host)

	host = strings.TrimPrefix(host, "https://")
	host = strings.TrimPrefix(host, "http://")
	host = strings.TrimSuffix(host, "/")
	host = strings.TrimSuffix(host, ":443")
	host = strings.TrimSuffix(host, ":80")

	return host
}
