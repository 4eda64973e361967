// Package behavior implements the behavior normalizer: it turns a noisy
// stream of raw runtime observations into one BehaviorVector per
// observation window.
package behavior

import (
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/exploopio/extrisk/pkg/core"
	"github.com/exploopio/extrisk/pkg/shared/fingerprint"
	"github.com/exploopio/extrisk/pkg/xrs"
)

// RawEvent is one runtime observation as reported by the monitoring host.
type RawEvent struct {
	// Observation type, e.g. KEYLOGGING, FETCH, FORM_HIJACKING
	Type string `json:"type"`

	// Milliseconds since the start of the observation window
	TimestampMs int64 `json:"timestamp_ms"`

	// Destination URL for network observations
	URL string `json:"url,omitempty"`

	// HTTP verb for network observations
	Method string `json:"method,omitempty"`

	// Sent via navigator.sendBeacon
	Beacon bool `json:"beacon,omitempty"`

	// Payload field names observed in the request body
	PayloadKeys []string `json:"payload_keys,omitempty"`

	// Raw payload digest source, used only for deduplication
	Payload string `json:"payload,omitempty"`
}

// Config tunes the normalizer.
type Config struct {
	// Observation window length
	WindowSeconds float64

	// Same-type events above this count within one second are dropped
	SpamPerSecond int

	// Ingestion rate limit, bounding floods before normalization
	RateLimit rate.Limit
	RateBurst int

	// Frequency bucket thresholds in events per second
	HighEventsPerSecond   float64
	MediumEventsPerSecond float64

	// Event types treated as natural browser noise
	NoiseTypes []string
}

// DefaultConfig returns the default normalizer configuration.
func DefaultConfig() *Config {
	return &Config{
		WindowSeconds: 30,
		SpamPerSecond: 10,
		RateLimit:     rate.Limit(200),
		RateBurst:     400,

		HighEventsPerSecond:   5,
		MediumEventsPerSecond: 1,

		NoiseTypes: []string{
			"MOUSE_MOVE", "SCROLL", "RESIZE", "FOCUS", "BLUR",
			"TAB_SWITCH", "PAGE_LOAD", "DOM_READY",
			"EMPTY_EVENT", "HEARTBEAT", "PING",
		},
	}
}

// eventKindFor maps a raw observation type onto the closed event kind set.
// The bool result is false for types that carry no attack semantics.
func eventKindFor(rawType string) (xrs.EventKind, bool) {
	switch strings.ToUpper(rawType) {
	case "KEYLOGGING", "KEYSTROKE_CAPTURE", "KEYDOWN_LISTENER":
		return xrs.EventKeylogging, true
	case "FORM_DATA_CAPTURE", "FORM_HIJACKING":
		return xrs.EventFormDataCapture, true
	case "DATA_EXFILTRATION":
		return xrs.EventDataExfiltration, true
	case "COOKIE_ACCESS":
		return xrs.EventCookieAccess, true
	case "STORAGE_ACCESS":
		return xrs.EventStorageAccess, true
	case "SCRIPT_INJECTION", "DOM_INJECTION", "DOM_MUTATION":
		return xrs.EventScriptInjection, true
	case "EVAL_EXECUTION":
		return xrs.EventEvalExecution, true
	case "TOKEN_ACCESS":
		return xrs.EventTokenAccess, true
	case "TOKEN_THEFT":
		return xrs.EventTokenTheft, true
	case "SESSION_HIJACKING":
		return xrs.EventSessionHijacking, true
	default:
		return "", false
	}
}

type postAgg struct {
	keys   map[string]struct{}
	beacon bool
	count  int
}

// Accumulator builds the behavior vector for one extension over one
// observation window. All state is owned by the accumulator; there is no
// global state, so concurrent windows for different extensions cannot
// interfere. Safe for concurrent use.
type Accumulator struct {
	mu      sync.Mutex
	cfg     *Config
	logger  core.Logger
	limiter *rate.Limiter

	closed bool

	domInjection     bool
	formHijacking    bool
	keystrokeCapture bool
	externalPost     bool

	fetchDomains map[string]struct{}
	xhrDomains   map[string]struct{}
	posts        map[string]*postAgg
	events       []xrs.AttackChainEvent

	seen      map[string]struct{}
	perSecond map[string]int

	accepted int

	droppedNoise int
	droppedSpam  int
	droppedDup   int
	droppedRate  int
}

// NewAccumulator creates an accumulator for one observation window.
func NewAccumulator(cfg *Config, logger core.Logger) *Accumulator {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = &core.NopLogger{}
	}
	return &Accumulator{
		cfg:          cfg,
		logger:       logger,
		limiter:      rate.NewLimiter(cfg.RateLimit, cfg.RateBurst),
		fetchDomains: make(map[string]struct{}),
		xhrDomains:   make(map[string]struct{}),
		posts:        make(map[string]*postAgg),
		seen:         make(map[string]struct{}),
		perSecond:    make(map[string]int),
	}
}

// Ingest feeds one raw event into the window. Noise, spam, duplicates, and
// rate-limited floods are dropped silently; dropped events never fail the
// window.
func (a *Accumulator) Ingest(ev RawEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return
	}
	if !a.limiter.Allow() {
		a.droppedRate++
		return
	}

	rawType := strings.ToUpper(strings.TrimSpace(ev.Type))
	if rawType == "" || a.isNoise(rawType) {
		a.droppedNoise++
		return
	}

	second := ev.TimestampMs / 1000
	spamKey := rawType + ":" + strconv.FormatInt(second, 10)
	a.perSecond[spamKey]++
	if a.perSecond[spamKey] > a.cfg.SpamPerSecond {
		a.droppedSpam++
		return
	}

	dedupKey := fingerprint.GenerateBehavior("", rawType, second, fingerprint.Hash(ev.Payload))
	if _, ok := a.seen[dedupKey]; ok {
		a.droppedDup++
		return
	}
	a.seen[dedupKey] = struct{}{}

	a.accepted++
	a.apply(rawType, ev)
}

// apply updates flags, domain sets, posts, and the event timeline.
// Flags are idempotent: repeated sightings never change a set flag.
func (a *Accumulator) apply(rawType string, ev RawEvent) {
	domain := domainOf(ev.URL)

	switch rawType {
	case "FETCH":
		if domain != "" {
			a.fetchDomains[domain] = struct{}{}
		}
	case "XHR":
		if domain != "" {
			a.xhrDomains[domain] = struct{}{}
		}
	}

	isPost := strings.EqualFold(ev.Method, "POST") || ev.Beacon
	if isPost && domain != "" {
		a.externalPost = true
		agg := a.posts[domain]
		if agg == nil {
			agg = &postAgg{keys: make(map[string]struct{})}
			a.posts[domain] = agg
		}
		agg.count++
		if ev.Beacon {
			agg.beacon = true
		}
		for _, k := range ev.PayloadKeys {
			agg.keys[k] = struct{}{}
		}
	}

	kind, ok := eventKindFor(rawType)
	if !ok && isPost {
		kind, ok = xrs.EventDataExfiltration, true
	}
	if !ok {
		return
	}

	switch kind {
	case xrs.EventScriptInjection:
		a.domInjection = true
	case xrs.EventFormDataCapture:
		a.formHijacking = true
	case xrs.EventKeylogging:
		a.keystrokeCapture = true
	case xrs.EventDataExfiltration:
		a.externalPost = true
	}

	a.events = append(a.events, xrs.AttackChainEvent{
		Kind:          kind,
		TimestampMs:   ev.TimestampMs,
		EvidenceCount: 1,
	})
}

// Vector returns the current state of the window. It may be called at any
// time; a partial vector is valid.
func (a *Accumulator) Vector() xrs.BehaviorVector {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshot()
}

// Flush finalizes the window and returns the vector. Further events are
// discarded. Flushing an empty window is valid and yields a zero vector.
func (a *Accumulator) Flush() xrs.BehaviorVector {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	if n := a.droppedNoise + a.droppedSpam + a.droppedDup + a.droppedRate; n > 0 {
		a.logger.Debug("window flushed: %d events accepted, %d dropped (noise=%d spam=%d dup=%d rate=%d)",
			a.accepted, n, a.droppedNoise, a.droppedSpam, a.droppedDup, a.droppedRate)
	}
	return a.snapshot()
}

func (a *Accumulator) snapshot() xrs.BehaviorVector {
	v := xrs.BehaviorVector{
		DOMInjection:     a.domInjection,
		FormHijacking:    a.formHijacking,
		KeystrokeCapture: a.keystrokeCapture,
		ExternalPost:     a.externalPost,
		FetchDomains:     xrs.SortedSet(setKeys(a.fetchDomains)),
		XHRDomains:       xrs.SortedSet(setKeys(a.xhrDomains)),
		EventCount:       a.accepted,
		WindowSeconds:    a.cfg.WindowSeconds,
	}

	domains := make([]string, 0, len(a.posts))
	for d := range a.posts {
		domains = append(domains, d)
	}
	sort.Strings(domains)
	for _, d := range domains {
		agg := a.posts[d]
		v.Posts = append(v.Posts, xrs.OutboundPost{
			Domain:      d,
			PayloadKeys: xrs.SortedSet(setKeys(agg.keys)),
			Beacon:      agg.beacon,
			Count:       agg.count,
		})
	}

	if len(a.events) > 0 {
		v.Events = make([]xrs.AttackChainEvent, len(a.events))
		copy(v.Events, a.events)
		sort.SliceStable(v.Events, func(i, j int) bool {
			return v.Events[i].TimestampMs < v.Events[j].TimestampMs
		})
	}

	v.Frequency = a.frequency(&v)
	return v
}

func (a *Accumulator) frequency(v *xrs.BehaviorVector) xrs.Frequency {
	switch eps := v.EventsPerSecond(); {
	case eps > a.cfg.HighEventsPerSecond:
		return xrs.FrequencyHigh
	case eps >= a.cfg.MediumEventsPerSecond:
		return xrs.FrequencyMedium
	default:
		return xrs.FrequencyLow
	}
}

func (a *Accumulator) isNoise(rawType string) bool {
	for _, n := range a.cfg.NoiseTypes {
		if rawType == n {
			return true
		}
	}
	return false
}

// Normalizer manages one accumulator per extension. Windows for different
// extensions are fully independent.
type Normalizer struct {
	mu     sync.Mutex
	cfg    *Config
	logger core.Logger
	accs   map[string]*Accumulator
}

// NewNormalizer creates a normalizer with the given configuration
// (nil means defaults).
func NewNormalizer(cfg *Config, logger core.Logger) *Normalizer {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = &core.NopLogger{}
	}
	return &Normalizer{
		cfg:    cfg,
		logger: logger,
		accs:   make(map[string]*Accumulator),
	}
}

// Ingest routes one event to the extension's window, opening one if needed.
func (n *Normalizer) Ingest(extensionID string, ev RawEvent) {
	n.mu.Lock()
	acc := n.accs[extensionID]
	if acc == nil {
		acc = NewAccumulator(n.cfg, n.logger)
		n.accs[extensionID] = acc
	}
	n.mu.Unlock()

	acc.Ingest(ev)
}

// Flush finalizes and removes the extension's window. The bool result is
// false when no window was open.
func (n *Normalizer) Flush(extensionID string) (xrs.BehaviorVector, bool) {
	n.mu.Lock()
	acc := n.accs[extensionID]
	delete(n.accs, extensionID)
	n.mu.Unlock()

	if acc == nil {
		return xrs.BehaviorVector{}, false
	}
	return acc.Flush(), true
}

// FlushAll finalizes every open window, for host shutdown.
func (n *Normalizer) FlushAll() map[string]xrs.BehaviorVector {
	n.mu.Lock()
	accs := n.accs
	n.accs = make(map[string]*Accumulator)
	n.mu.Unlock()

	out := make(map[string]xrs.BehaviorVector, len(accs))
	for id, acc := range accs {
		out[id] = acc.Flush()
	}
	return out
}

func domainOf(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

func setKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
