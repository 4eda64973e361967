// Package jscode implements the source pattern and obfuscation detector.
// It scans extracted source files for a fixed catalogue of dangerous
// constructs and measures obfuscation signals per file.
package jscode

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/exploopio/extrisk/pkg/core"
	"github.com/exploopio/extrisk/pkg/signatures"
	"github.com/exploopio/extrisk/pkg/xrs"
)

// Config holds the pattern catalogue and the obfuscation thresholds.
type Config struct {
	Catalogue []Pattern
	APIScores []APIScore

	// Browser fingerprinting technique table
	FingerprintTechniques []FingerprintTechnique

	// Added per matched technique combination
	FingerprintComboBonus float64

	// Technique count at which the extension is flagged for excessive
	// fingerprinting
	FingerprintExcessiveCount int

	// Shannon entropy bands over identifiers and string literals
	EntropyMinified float64
	EntropyHeavy    float64

	// Encoded literal length treated as payload smuggling
	LongBlobLength int

	// Obfuscation indicator scores
	LongBlobScore      float64
	HexFloodScore      float64
	UnicodeFloodScore  float64
	PackerPrefixScore  float64
	EncodingChainScore float64
	EncodingChainStep  float64

	// Flood thresholds
	HexFloodCount     int
	UnicodeFloodCount int
	PackerPrefixCount int

	// Minification density thresholds
	MinifiedCharsPerLine float64
	MinifiedDensity      float64

	MaxScore float64
}

// DefaultConfig returns the default detector configuration.
func DefaultConfig() *Config {
	return &Config{
		Catalogue: DefaultCatalogue(),
		APIScores: DefaultAPIScores(),

		FingerprintTechniques:     DefaultFingerprintTechniques(),
		FingerprintComboBonus:     20,
		FingerprintExcessiveCount: 3,

		EntropyMinified: 3.4,
		EntropyHeavy:    4.0,

		LongBlobLength: 300,

		LongBlobScore:      20,
		HexFloodScore:      25,
		UnicodeFloodScore:  25,
		PackerPrefixScore:  30,
		EncodingChainScore: 40,
		EncodingChainStep:  15,

		HexFloodCount:     20,
		UnicodeFloodCount: 50,
		PackerPrefixCount: 2,

		MinifiedCharsPerLine: 100,
		MinifiedDensity:      0.95,

		MaxScore: 100,
	}
}

// SkippedFile records a source file the detector could not read as text.
type SkippedFile struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// SignatureHit is a known-malware fingerprint matched in a source file.
type SignatureHit struct {
	File  string
	Match signatures.FingerprintMatch
}

// Fingerprinting summarizes browser fingerprinting activity across all
// source files. Informational: it flags tracking, it never feeds the
// weighted risk score.
type Fingerprinting struct {
	// Matched technique names, sorted
	Techniques []string `json:"techniques,omitempty"`

	// Technique points plus combination bonuses, capped at MaxScore
	Score float64 `json:"score"`

	// Technique count reached FingerprintExcessiveCount
	Excessive bool `json:"excessive"`
}

// Result is the aggregate detector output over all source files.
type Result struct {
	Matches     []xrs.PatternMatch
	Obfuscation []xrs.ObfuscationSignal

	CodePatternsScore float64
	RCEExfilScore     float64
	APIAbuseScore     float64
	ObfuscationScore  float64

	// Browser APIs observed in source, sorted
	APIsFound []string

	// Destination domains captured from exfiltration patterns, sorted
	Domains []string

	SkippedFiles  []SkippedFile
	SignatureHits []SignatureHit

	Fingerprinting Fingerprinting
}

// Analyzer scans source files. Safe for concurrent use after New.
type Analyzer struct {
	cfg    *Config
	sigs   *signatures.Database
	logger core.Logger

	longBlobRe  *regexp.Regexp
	hexRe       *regexp.Regexp
	unicodeRe   *regexp.Regexp
	packerRe    *regexp.Regexp
	decodeRe    *regexp.Regexp
	identRe     *regexp.Regexp
	stringLitRe *regexp.Regexp
}

// New creates the detector. cfg and sigs may be nil; a nil signature
// database disables known-good suppression and fingerprint matching.
func New(cfg *Config, sigs *signatures.Database, logger core.Logger) (*Analyzer, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = &core.NopLogger{}
	}
	for i := range cfg.Catalogue {
		re, err := regexp.Compile("(?i)" + cfg.Catalogue[i].Expr)
		if err != nil {
			return nil, fmt.Errorf("compile pattern %q: %w", cfg.Catalogue[i].ID, err)
		}
		cfg.Catalogue[i].re = re
	}
	for i := range cfg.APIScores {
		expr := strings.ReplaceAll(cfg.APIScores[i].API, ".", `\.`)
		re, err := regexp.Compile("(?i)" + expr)
		if err != nil {
			return nil, fmt.Errorf("compile api pattern %q: %w", cfg.APIScores[i].API, err)
		}
		cfg.APIScores[i].re = re
	}
	for i := range cfg.FingerprintTechniques {
		tech := &cfg.FingerprintTechniques[i]
		tech.res = tech.res[:0]
		for _, expr := range tech.Exprs {
			re, err := regexp.Compile("(?i)" + expr)
			if err != nil {
				return nil, fmt.Errorf("compile fingerprint pattern %q: %w", tech.Name, err)
			}
			tech.res = append(tech.res, re)
		}
	}
	return &Analyzer{
		cfg:    cfg,
		sigs:   sigs,
		logger: logger,

		longBlobRe:  regexp.MustCompile(fmt.Sprintf(`["'][A-Za-z0-9+/]{%d,}={0,2}["']`, cfg.LongBlobLength)),
		hexRe:       regexp.MustCompile(`0x[0-9a-fA-F]{8,}`),
		unicodeRe:   regexp.MustCompile(`\\u[0-9a-fA-F]{4}`),
		packerRe:    regexp.MustCompile(`(?i)_0x[a-f0-9]+`),
		decodeRe:    regexp.MustCompile(`(?i)(?:atob\s*\(\s*)+`),
		identRe:     regexp.MustCompile(`[A-Za-z_$][A-Za-z0-9_$]*`),
		stringLitRe: regexp.MustCompile(`"[^"\n]*"|'[^'\n]*'`),
	}, nil
}

// Analyze scans every source file. It never fails: unreadable files are
// recorded in SkippedFiles and the scan continues.
func (a *Analyzer) Analyze(files []xrs.SourceFile) *Result {
	res := &Result{}
	apiSet := make(map[string]struct{})
	fpSet := make(map[string]struct{})

	for _, f := range files {
		if !utf8.ValidString(f.Text) || strings.ContainsRune(f.Text, 0) {
			a.logger.Debug("skipping non-text file %s", f.Path)
			res.SkippedFiles = append(res.SkippedFiles, SkippedFile{
				Path:   f.Path,
				Reason: "not valid UTF-8 text",
			})
			continue
		}

		a.scanPatterns(&f, res)
		a.scanAPIs(&f, res, apiSet)
		a.scanObfuscation(&f, res)
		a.scanFingerprinting(&f, fpSet)

		if a.sigs != nil {
			for _, m := range a.sigs.MatchCode(f.Text) {
				res.SignatureHits = append(res.SignatureHits, SignatureHit{File: f.Path, Match: m})
			}
		}
	}

	// A matched fingerprint is known malware: the RCE/exfiltration
	// component takes the worst hit when it exceeds the pattern score.
	for _, h := range res.SignatureHits {
		if h.Match.Score > res.RCEExfilScore {
			res.RCEExfilScore = h.Match.Score
		}
	}

	res.Fingerprinting = a.summarizeFingerprinting(fpSet)

	res.APIsFound = xrs.SortedSet(mapKeys(apiSet))
	res.Domains = xrs.SortedSet(res.Domains)
	a.clampScores(res)
	return res
}

// scanFingerprinting records which techniques appear in one file. The
// first matching pattern settles a technique; later patterns and files
// cannot count it again.
func (a *Analyzer) scanFingerprinting(f *xrs.SourceFile, fpSet map[string]struct{}) {
	for i := range a.cfg.FingerprintTechniques {
		tech := &a.cfg.FingerprintTechniques[i]
		if _, done := fpSet[tech.Name]; done {
			continue
		}
		for _, re := range tech.res {
			if re.MatchString(f.Text) {
				fpSet[tech.Name] = struct{}{}
				break
			}
		}
	}
}

// summarizeFingerprinting totals the matched techniques and combination
// bonuses into the informational fingerprinting summary.
func (a *Analyzer) summarizeFingerprinting(fpSet map[string]struct{}) Fingerprinting {
	fp := Fingerprinting{Techniques: xrs.SortedSet(mapKeys(fpSet))}
	if len(fp.Techniques) == 0 {
		return fp
	}

	for i := range a.cfg.FingerprintTechniques {
		tech := &a.cfg.FingerprintTechniques[i]
		if _, ok := fpSet[tech.Name]; ok {
			fp.Score += tech.Points
		}
	}
	for _, combo := range fingerprintCombos {
		all := true
		for _, name := range combo {
			if _, ok := fpSet[name]; !ok {
				all = false
				break
			}
		}
		if all {
			fp.Score += a.cfg.FingerprintComboBonus
		}
	}
	if fp.Score > a.cfg.MaxScore {
		fp.Score = a.cfg.MaxScore
	}
	fp.Excessive = len(fp.Techniques) >= a.cfg.FingerprintExcessiveCount
	return fp
}

// scanPatterns runs the catalogue over one file. Matches are deduplicated
// per category: the first occurrence is kept as evidence and later hits in
// the same category only raise the occurrence count, so repeating a line
// cannot inflate the score.
func (a *Analyzer) scanPatterns(f *xrs.SourceFile, res *Result) {
	recorded := make(map[xrs.PatternCategory]int) // category -> index into res.Matches
	codePoints := make(map[xrs.PatternCategory]float64)
	var rceMax, exfilMax float64

	for i := range a.cfg.Catalogue {
		p := &a.cfg.Catalogue[i]
		locs := p.re.FindAllStringSubmatchIndex(f.Text, -1)
		if len(locs) == 0 {
			continue
		}

		hits := 0
		for _, loc := range locs {
			if p.DomainGroup > 0 {
				g := 2 * p.DomainGroup
				if g+1 < len(loc) && loc[g] >= 0 {
					domain := strings.ToLower(f.Text[loc[g]:loc[g+1]])
					if a.sigs != nil && a.sigs.IsKnownGood(domain) {
						continue
					}
					res.Domains = append(res.Domains, domain)
				}
			}
			hits++
			if idx, ok := recorded[p.Category]; ok {
				res.Matches[idx].Occurrences++
				continue
			}
			line := 1 + strings.Count(f.Text[:loc[0]], "\n")
			res.Matches = append(res.Matches, xrs.PatternMatch{
				File:        f.Path,
				Line:        line,
				PatternID:   p.ID,
				Category:    p.Category,
				Severity:    p.Severity,
				Snippet:     snippetAt(f.Text, loc[0]),
				Occurrences: 1,
			})
			recorded[p.Category] = len(res.Matches) - 1
		}
		if hits == 0 {
			continue
		}

		switch p.Class {
		case ClassRCE:
			if p.Points > rceMax {
				rceMax = p.Points
			}
		case ClassExfil:
			if p.Points > exfilMax {
				exfilMax = p.Points
			}
		default:
			if p.Points > codePoints[p.Category] {
				codePoints[p.Category] = p.Points
			}
		}
	}

	for _, pts := range codePoints {
		res.CodePatternsScore += pts
	}
	rceExfil := rceMax
	if exfilMax > rceExfil {
		rceExfil = exfilMax
	}
	if rceExfil > res.RCEExfilScore {
		res.RCEExfilScore = rceExfil
	}
}

// scanAPIs scores dangerous browser API usage, keeping the single highest
// matched score.
func (a *Analyzer) scanAPIs(f *xrs.SourceFile, res *Result, apiSet map[string]struct{}) {
	for i := range a.cfg.APIScores {
		entry := &a.cfg.APIScores[i]
		if !entry.re.MatchString(f.Text) {
			continue
		}
		apiSet[entry.API] = struct{}{}
		if entry.Points > res.APIAbuseScore {
			res.APIAbuseScore = entry.Points
		}
	}
}

// scanObfuscation measures obfuscation indicators for one file. The file
// score is the single worst indicator, not a sum.
func (a *Analyzer) scanObfuscation(f *xrs.SourceFile, res *Result) {
	cfg := a.cfg
	sig := xrs.ObfuscationSignal{File: f.Path, Tier: xrs.ObfuscationNone}

	idents := a.identRe.FindAllString(f.Text, -1)
	strs := a.stringLitRe.FindAllString(f.Text, -1)
	sig.ShannonEntropy = shannonEntropy(strings.Join(idents, "") + strings.Join(strs, ""))

	var indicator float64

	if a.longBlobRe.MatchString(f.Text) {
		sig.HasLongEncodedBlob = true
		indicator = math.Max(indicator, cfg.LongBlobScore)
	}
	if len(a.hexRe.FindAllString(f.Text, -1)) > cfg.HexFloodCount {
		indicator = math.Max(indicator, cfg.HexFloodScore)
	}
	if len(a.unicodeRe.FindAllString(f.Text, -1)) > cfg.UnicodeFloodCount {
		indicator = math.Max(indicator, cfg.UnicodeFloodScore)
	}

	packerIdents := a.packerRe.FindAllString(f.Text, -1)
	if len(idents) > 0 {
		sig.RandomIdentifierRatio = float64(len(packerIdents)) / float64(len(idents))
	}
	if len(packerIdents) >= cfg.PackerPrefixCount {
		indicator = math.Max(indicator, cfg.PackerPrefixScore)
	}

	sig.EncodingChainDepth = a.encodingChainDepth(f.Text)
	if sig.EncodingChainDepth >= 2 {
		// Each extra layer raises suspicion further; chained encoding has
		// no benign use case.
		chain := cfg.EncodingChainScore + cfg.EncodingChainStep*float64(sig.EncodingChainDepth-2)
		indicator = math.Max(indicator, chain)
	}

	switch {
	case sig.ShannonEntropy > cfg.EntropyHeavy || indicator >= cfg.PackerPrefixScore:
		sig.Tier = xrs.ObfuscationHeavy
	case sig.ShannonEntropy > cfg.EntropyMinified || a.looksMinified(f.Text):
		sig.Tier = xrs.ObfuscationMinified
	}

	if indicator > res.ObfuscationScore {
		res.ObfuscationScore = indicator
	}
	res.Obfuscation = append(res.Obfuscation, sig)
}

// encodingChainDepth returns the deepest run of directly nested decode calls.
func (a *Analyzer) encodingChainDepth(text string) int {
	max := 0
	for _, run := range a.decodeRe.FindAllString(text, -1) {
		depth := strings.Count(strings.ToLower(run), "atob")
		if depth > max {
			max = depth
		}
	}
	return max
}

// looksMinified applies the density heuristic: very long average lines and
// near-zero whitespace mean machine-generated output.
func (a *Analyzer) looksMinified(text string) bool {
	lines := strings.Split(text, "\n")
	total, count := 0, 0
	for _, l := range lines {
		if strings.TrimSpace(l) == "" {
			continue
		}
		total += len(l)
		count++
	}
	if count == 0 {
		return false
	}
	avg := float64(total) / float64(count)
	if avg > a.cfg.MinifiedCharsPerLine {
		return true
	}

	nonWS := 0
	for _, r := range text {
		if r != ' ' && r != '\t' && r != '\n' && r != '\r' {
			nonWS++
		}
	}
	if len(text) == 0 {
		return false
	}
	return float64(nonWS)/float64(len(text)) > a.cfg.MinifiedDensity
}

func (a *Analyzer) clampScores(res *Result) {
	max := a.cfg.MaxScore
	if res.CodePatternsScore > max {
		res.CodePatternsScore = max
	}
	if res.RCEExfilScore > max {
		res.RCEExfilScore = max
	}
	if res.APIAbuseScore > max {
		res.APIAbuseScore = max
	}
	if res.ObfuscationScore > max {
		res.ObfuscationScore = max
	}
}

// shannonEntropy computes character-level Shannon entropy in bits.
func shannonEntropy(s string) float64 {
	if s == "" {
		return 0
	}
	freq := make(map[rune]int)
	total := 0
	for _, r := range s {
		freq[r]++
		total++
	}
	entropy := 0.0
	for _, count := range freq {
		p := float64(count) / float64(total)
		entropy -= p * math.Log2(p)
	}
	return entropy
}

// snippetAt returns the trimmed source line containing offset, truncated
// for evidence storage.
func snippetAt(text string, offset int) string {
	start := strings.LastIndexByte(text[:offset], '\n') + 1
	end := strings.IndexByte(text[offset:], '\n')
	if end < 0 {
		end = len(text)
	} else {
		end += offset
	}
	line := strings.TrimSpace(text[start:end])
	if len(line) > 160 {
		line = line[:160]
	}
	return line
}

func mapKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
