// Package engine orchestrates the analyzers, the correlation engine, and
// the scorer into a single analysis pipeline.
//
// Analysis is a pure function of its inputs: no I/O, no clock reads, no
// randomness. Re-running analysis on identical inputs yields an identical
// report.
package engine

import (
	"fmt"
	"sync"

	"github.com/exploopio/extrisk/pkg/analyzers/jscode"
	"github.com/exploopio/extrisk/pkg/analyzers/manifest"
	"github.com/exploopio/extrisk/pkg/analyzers/network"
	"github.com/exploopio/extrisk/pkg/core"
	"github.com/exploopio/extrisk/pkg/correlation"
	"github.com/exploopio/extrisk/pkg/errors"
	"github.com/exploopio/extrisk/pkg/metrics"
	"github.com/exploopio/extrisk/pkg/scoring"
	"github.com/exploopio/extrisk/pkg/shared/severity"
	"github.com/exploopio/extrisk/pkg/signatures"
	"github.com/exploopio/extrisk/pkg/xrs"
)

// =============================================================================
// Configuration
// =============================================================================

// RemoteScorer rescores a finished local report against a central scoring
// service. The engine treats it as optional: when it is unset or fails,
// the local score stands and the report says so.
type RemoteScorer interface {
	ScoreReport(report *xrs.RiskReport) (float64, error)
}

// Config wires the component configurations together. Nil fields fall
// back to each component's defaults.
type Config struct {
	Manifest    *manifest.Config
	Code        *jscode.Config
	Network     *network.Config
	Correlation *correlation.Config
	Scoring     *scoring.Config

	// Signature database shared by the code and network analyzers.
	// Nil means the built-in signature set.
	Signatures *signatures.Database

	// Metrics receives analysis counters and timings. Nil discards them.
	Metrics metrics.Collector

	// Workers bounds batch fan-out. Zero means DefaultWorkers.
	Workers int
}

// DefaultWorkers is the batch fan-out bound when Config.Workers is zero.
const DefaultWorkers = 4

// =============================================================================
// Engine
// =============================================================================

// Engine runs the analysis pipeline. Safe for concurrent use.
type Engine struct {
	cfg      *Config
	manifest *manifest.Analyzer
	code     *jscode.Analyzer
	network  *network.Analyzer
	corr     *correlation.Engine
	scorer   *scoring.Scorer
	sigs     *signatures.Database
	remote   RemoteScorer
	logger   core.Logger
	metrics  metrics.Collector
}

// New creates an engine. cfg and logger may be nil.
func New(cfg *Config, logger core.Logger) (*Engine, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if logger == nil {
		logger = &core.NopLogger{}
	}
	sigs := cfg.Signatures
	if sigs == nil {
		sigs = signatures.Default()
		if err := sigs.Compile(); err != nil {
			return nil, errors.E(errors.KindInternal, "engine.New", "compile signature database", err)
		}
	}
	code, err := jscode.New(cfg.Code, sigs, logger)
	if err != nil {
		return nil, errors.E(errors.KindInternal, "engine.New", "build code analyzer", err)
	}
	collector := cfg.Metrics
	if collector == nil {
		collector = &metrics.NopCollector{}
	}
	return &Engine{
		cfg:      cfg,
		manifest: manifest.New(cfg.Manifest),
		code:     code,
		network:  network.New(cfg.Network, sigs),
		corr:     correlation.New(cfg.Correlation),
		scorer:   scoring.New(cfg.Scoring),
		sigs:     sigs,
		logger:   logger,
		metrics:  collector,
	}, nil
}

// SetRemoteScorer installs the optional remote scoring hook.
func (e *Engine) SetRemoteScorer(rs RemoteScorer) {
	e.remote = rs
}

// AnalyzeArtifact runs a full hybrid analysis: manifest plus source code.
// Only a missing artifact id is an error; every other gap degrades the
// relevant component instead.
func (e *Engine) AnalyzeArtifact(artifact *xrs.ExtensionArtifact) (*xrs.RiskReport, error) {
	const op = "engine.AnalyzeArtifact"
	if artifact == nil || artifact.ID == "" {
		return nil, errors.E(errors.KindInvalidInput, op, "artifact id is required")
	}
	return e.analyze(artifact, nil, xrs.ModeFullHybrid), nil
}

// AnalyzeWithBehavior runs a monitoring-mode analysis: manifest plus the
// normalized behavior vector, no source access required.
func (e *Engine) AnalyzeWithBehavior(artifact *xrs.ExtensionArtifact, vector *xrs.BehaviorVector) (*xrs.RiskReport, error) {
	const op = "engine.AnalyzeWithBehavior"
	if artifact == nil || artifact.ID == "" {
		return nil, errors.E(errors.KindInvalidInput, op, "artifact id is required")
	}
	return e.analyze(artifact, vector, xrs.ModeMonitoring), nil
}

func (e *Engine) analyze(artifact *xrs.ExtensionArtifact, vector *xrs.BehaviorVector, mode xrs.AnalysisMode) *xrs.RiskReport {
	timer := metrics.NewTimer(e.metrics, metrics.EngineAnalysisDuration.Name, "mode", string(mode))
	defer timer.ObserveDuration()

	report := xrs.NewReport(artifact, mode)

	manifestFinding := e.manifest.Analyze(artifact)

	var code *jscode.Result
	var degraded []xrs.DegradedSignal
	if len(artifact.SourceFiles) > 0 {
		code = e.code.Analyze(artifact.SourceFiles)
		// Skipped files degrade the code components only when nothing
		// was readable; partial skips are surfaced as findings.
		if len(code.SkippedFiles) == len(artifact.SourceFiles) {
			degraded = append(degraded, codeComponentsDegraded("all source files unreadable")...)
		}
	} else {
		code = &jscode.Result{}
		degraded = append(degraded, codeComponentsDegraded("no source files provided")...)
	}

	if mode == xrs.ModeMonitoring && (vector == nil || vector.EventCount == 0) {
		degraded = append(degraded, xrs.DegradedSignal{
			Component: xrs.ComponentRuntime,
			Reason:    "no behavior events observed",
		})
	}

	net := e.network.Analyze(artifact, vector, code.Domains)
	permHits := e.sigs.MatchPermissions(artifact.Permissions, artifact.HostPermissions)

	events := e.deriveEvents(code.Matches, vector)
	chains := e.corr.DetectChains(events)
	correlations := e.corr.CrossCorrelate(correlation.Input{
		Events:           events,
		Matches:          code.Matches,
		Permissions:      artifact.Permissions,
		DataExfiltration: net.DataExfiltration,
	})

	scored := e.scorer.Score(&scoring.Input{
		Mode:             mode,
		Manifest:         manifestFinding,
		Matches:          code.Matches,
		CodeSignatures:          codeSignatures(code.SignatureHits),
		PermissionHits:          permHits,
		Fingerprinting:          code.Fingerprinting.Techniques,
		ExcessiveFingerprinting: code.Fingerprinting.Excessive,
		CodePatterns:            code.CodePatternsScore,
		RCEExfil:                code.RCEExfilScore,
		Obfuscation:             code.ObfuscationScore,
		APIAbuse:                code.APIAbuseScore,
		Runtime:                 net.Score,
		Vector:                  vector,
		DataExfiltration:        net.DataExfiltration,
		NonStoreInstall:         !artifact.InstallSource.IsStore(),
		Chains:                  chains,
		Correlations:            correlations,
		ChainBoost:              e.corr.ChainBoost(chains),
		CrossBonus:              e.corr.CrossBonus(correlations),
		Degraded:                degraded,
	})

	report.RiskScore = scored.Score
	report.RiskLevel = scored.Level
	report.Breakdown = scored.Breakdown
	report.TopFindings = appendSkippedFindings(scored.TopFindings, code.SkippedFiles, e.findingsLimit())
	report.AttackChains = chains
	report.CrossCorrelations = correlations
	report.Recommendations = scored.Recommendations
	report.Verdict = scored.Verdict
	report.Degraded = degraded
	report.Evidence = buildEvidence(code, &net, vector)

	e.applyRemote(report)
	e.observe(report, mode)
	return report
}

// observe records report-level counters. The report itself stays a pure
// function of the inputs.
func (e *Engine) observe(report *xrs.RiskReport, mode xrs.AnalysisMode) {
	e.metrics.CounterInc(metrics.EngineAnalysesTotal.Name, "mode", string(mode), "status", "ok")
	e.metrics.CounterInc(metrics.EngineVerdictsTotal.Name, "classification", string(report.Verdict.Classification))
	if report.Verdict.AutoReject {
		e.metrics.CounterInc(metrics.EngineAutoRejectsTotal.Name)
	}
	for _, f := range report.TopFindings {
		e.metrics.CounterInc(metrics.EngineFindingsTotal.Name, "severity", f.Severity.String())
	}
	for _, ch := range report.AttackChains {
		e.metrics.CounterInc(metrics.EngineChainsTotal.Name, "chain", ch.Name)
	}
	for _, d := range report.Degraded {
		e.metrics.CounterInc(metrics.EngineDegradedTotal.Name, "component", d.Component)
	}
}

// applyRemote lets the remote scorer override the numeric score. Local
// verdicts stand: an auto-rejected report is conclusive and is never
// softened remotely.
func (e *Engine) applyRemote(report *xrs.RiskReport) {
	report.ScoringSource = xrs.ScoringSourceLocal
	if e.remote == nil || report.Verdict.AutoReject {
		return
	}
	score, err := e.remote.ScoreReport(report)
	if err != nil {
		e.logger.Warn("remote scorer unavailable, keeping local score: %v", err)
		return
	}
	report.RiskScore = score
	report.RiskLevel = xrs.RiskLevelFromScore(score)
	report.ScoringSource = xrs.ScoringSourceRemote
	report.UsingRemoteSource = true
}

// =============================================================================
// Batch
// =============================================================================

// BatchResult pairs one artifact's report with its error.
type BatchResult struct {
	Report *xrs.RiskReport
	Err    error
}

// AnalyzeBatch fans independent analyses out over a bounded worker pool.
// Results are returned in input order.
func (e *Engine) AnalyzeBatch(artifacts []*xrs.ExtensionArtifact) []BatchResult {
	workers := e.cfg.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if workers > len(artifacts) {
		workers = len(artifacts)
	}

	results := make([]BatchResult, len(artifacts))
	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				report, err := e.AnalyzeArtifact(artifacts[i])
				results[i] = BatchResult{Report: report, Err: err}
			}
		}()
	}
	for i := range artifacts {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
	return results
}

// =============================================================================
// Derivation helpers
// =============================================================================

// categoryEvents maps static pattern categories onto the access-class
// event kinds. Exfiltration itself is only ever an observed behavior;
// static matches prove capability, not use.
var categoryEvents = map[xrs.PatternCategory]xrs.EventKind{
	xrs.CategoryEval:            xrs.EventEvalExecution,
	xrs.CategoryDynamicFunction: xrs.EventEvalExecution,
	xrs.CategoryRemoteLoad:      xrs.EventScriptInjection,
	xrs.CategoryExfilCookie:     xrs.EventCookieAccess,
	xrs.CategoryExfilToken:      xrs.EventTokenAccess,
	xrs.CategoryExfilKeylog:     xrs.EventKeylogging,
}

// deriveEvents merges static pattern evidence (anchored at t=0) with the
// observed behavior timeline.
func (e *Engine) deriveEvents(matches []xrs.PatternMatch, vector *xrs.BehaviorVector) []xrs.AttackChainEvent {
	var events []xrs.AttackChainEvent
	seen := make(map[xrs.EventKind]int)
	for _, m := range matches {
		kind, ok := categoryEvents[m.Category]
		if !ok {
			continue
		}
		if idx, dup := seen[kind]; dup {
			events[idx].EvidenceCount += m.Occurrences
			continue
		}
		events = append(events, xrs.AttackChainEvent{
			Kind:          kind,
			TimestampMs:   0,
			EvidenceCount: m.Occurrences,
		})
		seen[kind] = len(events) - 1
	}
	if vector != nil {
		events = append(events, vector.Events...)
	}
	return events
}

func codeSignatures(hits []jscode.SignatureHit) []scoring.CodeSignature {
	out := make([]scoring.CodeSignature, 0, len(hits))
	for _, h := range hits {
		out = append(out, scoring.CodeSignature{File: h.File, Match: h.Match})
	}
	return out
}

func codeComponentsDegraded(reason string) []xrs.DegradedSignal {
	return []xrs.DegradedSignal{
		{Component: xrs.ComponentCodePatterns, Reason: reason},
		{Component: xrs.ComponentRCEExfil, Reason: reason},
		{Component: xrs.ComponentObfuscation, Reason: reason},
		{Component: xrs.ComponentAPIAbuse, Reason: reason},
	}
}

func (e *Engine) findingsLimit() int {
	if e.cfg.Scoring != nil && e.cfg.Scoring.TopFindingsLimit > 0 {
		return e.cfg.Scoring.TopFindingsLimit
	}
	return scoring.DefaultConfig().TopFindingsLimit
}

// appendSkippedFindings surfaces skipped files as low-severity findings in
// the remaining space under the findings cap; ranked findings are never
// evicted for them.
func appendSkippedFindings(findings []xrs.Finding, skipped []jscode.SkippedFile, limit int) []xrs.Finding {
	for _, sk := range skipped {
		if len(findings) >= limit {
			break
		}
		findings = append(findings, xrs.Finding{
			Title:       "parse skipped",
			Description: sk.Reason,
			Category:    "PARSE_SKIPPED",
			Severity:    severity.Low,
			File:        sk.Path,
		})
	}
	return findings
}

func buildEvidence(code *jscode.Result, net *network.Result, vector *xrs.BehaviorVector) xrs.Evidence {
	var ev xrs.Evidence

	for _, m := range code.Matches {
		ev.CodeSnippets = append(ev.CodeSnippets, fmt.Sprintf("%s:%d: %s", m.File, m.Line, m.Snippet))
	}
	for _, h := range code.SignatureHits {
		ev.CodeSnippets = append(ev.CodeSnippets, fmt.Sprintf("%s: %s", h.File, h.Match.Description))
	}

	domains := append([]string{}, code.Domains...)
	domains = append(domains, net.SuspiciousDomains...)
	if vector != nil {
		domains = append(domains, vector.FetchDomains...)
		domains = append(domains, vector.XHRDomains...)
		for _, p := range vector.Posts {
			domains = append(domains, p.Domain)
			if len(p.PayloadKeys) > 0 {
				ev.Payloads = append(ev.Payloads, fmt.Sprintf("%s: %v", p.Domain, p.PayloadKeys))
			}
		}
		for _, evt := range vector.Events {
			ev.BehaviorLogs = append(ev.BehaviorLogs, fmt.Sprintf("%s@%dms", evt.Kind, evt.TimestampMs))
		}
	}
	ev.Domains = xrs.SortedSet(domains)
	ev.BehaviorLogs = append(ev.BehaviorLogs, net.Reasons...)
	return ev
}
