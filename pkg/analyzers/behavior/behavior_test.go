package behavior

import (
	"fmt"
	"testing"

	"github.com/exploopio/extrisk/pkg/xrs"
)

func TestIngestIdempotentFlags(t *testing.T) {
	acc := NewAccumulator(nil, nil)

	for i := 0; i < 3; i++ {
		acc.Ingest(RawEvent{
			Type:        "KEYLOGGING",
			TimestampMs: int64(i * 2000),
			Payload:     fmt.Sprintf("key-%d", i),
		})
	}
	v := acc.Flush()

	if !v.KeystrokeCapture {
		t.Error("keystroke capture flag not set")
	}
	if v.DOMInjection || v.FormHijacking || v.ExternalPost {
		t.Errorf("unrelated flags set: %+v", v)
	}
	if v.EventCount != 3 {
		t.Errorf("event count = %d, want 3", v.EventCount)
	}
}

func TestIngestNoiseFiltered(t *testing.T) {
	acc := NewAccumulator(nil, nil)

	for _, typ := range []string{"MOUSE_MOVE", "SCROLL", "HEARTBEAT", "PING"} {
		acc.Ingest(RawEvent{Type: typ, TimestampMs: 100})
	}
	v := acc.Flush()

	if v.EventCount != 0 {
		t.Errorf("event count = %d, want 0 (all noise)", v.EventCount)
	}
	if len(v.Events) != 0 {
		t.Errorf("events = %+v, want none", v.Events)
	}
}

func TestIngestSpamDropped(t *testing.T) {
	acc := NewAccumulator(nil, nil)

	// 30 same-type events inside one second with distinct payloads; only
	// the first 10 survive the spam filter.
	for i := 0; i < 30; i++ {
		acc.Ingest(RawEvent{
			Type:        "COOKIE_ACCESS",
			TimestampMs: int64(i * 10),
			Payload:     fmt.Sprintf("p%d", i),
		})
	}
	v := acc.Flush()

	if v.EventCount != 10 {
		t.Errorf("event count = %d, want 10", v.EventCount)
	}
}

func TestIngestDuplicatesDropped(t *testing.T) {
	acc := NewAccumulator(nil, nil)

	// Identical type, second, and payload: one accepted.
	for i := 0; i < 5; i++ {
		acc.Ingest(RawEvent{Type: "STORAGE_ACCESS", TimestampMs: 500, Payload: "same"})
	}
	v := acc.Flush()

	if v.EventCount != 1 {
		t.Errorf("event count = %d, want 1", v.EventCount)
	}
}

func TestIngestNetworkObservations(t *testing.T) {
	acc := NewAccumulator(nil, nil)

	acc.Ingest(RawEvent{Type: "FETCH", TimestampMs: 0, URL: "https://api.example.com/v1", Method: "GET", Payload: "a"})
	acc.Ingest(RawEvent{Type: "FETCH", TimestampMs: 1000, URL: "https://collect.evil.example/t", Method: "POST",
		PayloadKeys: []string{"cookie", "token"}, Payload: "b"})
	acc.Ingest(RawEvent{Type: "XHR", TimestampMs: 2000, URL: "https://cdn.example.com/x", Method: "GET", Payload: "c"})

	v := acc.Flush()

	if len(v.FetchDomains) != 2 || v.FetchDomains[0] != "api.example.com" {
		t.Errorf("fetch domains = %v", v.FetchDomains)
	}
	if len(v.XHRDomains) != 1 || v.XHRDomains[0] != "cdn.example.com" {
		t.Errorf("xhr domains = %v", v.XHRDomains)
	}
	if !v.ExternalPost {
		t.Error("external post flag not set by POST observation")
	}
	if len(v.Posts) != 1 || v.Posts[0].Domain != "collect.evil.example" {
		t.Fatalf("posts = %+v", v.Posts)
	}
	if got := v.Posts[0].PayloadKeys; len(got) != 2 || got[0] != "cookie" || got[1] != "token" {
		t.Errorf("payload keys = %v", got)
	}

	// The POST also lands on the event timeline as exfiltration.
	exfil := false
	for _, e := range v.Events {
		if e.Kind == xrs.EventDataExfiltration {
			exfil = true
		}
	}
	if !exfil {
		t.Errorf("expected DATA_EXFILTRATION event, got %+v", v.Events)
	}
}

func TestVectorEventsOrdered(t *testing.T) {
	acc := NewAccumulator(nil, nil)

	acc.Ingest(RawEvent{Type: "DATA_EXFILTRATION", TimestampMs: 5000, Payload: "x"})
	acc.Ingest(RawEvent{Type: "KEYLOGGING", TimestampMs: 0, Payload: "y"})
	v := acc.Flush()

	if len(v.Events) != 2 {
		t.Fatalf("events = %d, want 2", len(v.Events))
	}
	if v.Events[0].Kind != xrs.EventKeylogging || v.Events[1].Kind != xrs.EventDataExfiltration {
		t.Errorf("events out of order: %+v", v.Events)
	}
}

func TestFrequencyBuckets(t *testing.T) {
	tests := []struct {
		name   string
		events int
		want   xrs.Frequency
	}{
		{"low", 5, xrs.FrequencyLow},          // 5 events / 30s
		{"medium", 60, xrs.FrequencyMedium},   // 2 events/s
		{"high", 0, xrs.FrequencyHigh},        // filled below
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acc := NewAccumulator(nil, nil)
			n := tt.events
			if tt.want == xrs.FrequencyHigh {
				n = 200 // > 5 events/s over 30s window
			}
			// Spread across seconds and kinds to clear the spam filter.
			kinds := []string{"COOKIE_ACCESS", "STORAGE_ACCESS", "SCRIPT_INJECTION", "EVAL_EXECUTION", "TOKEN_ACCESS", "KEYLOGGING", "DATA_EXFILTRATION"}
			for i := 0; i < n; i++ {
				acc.Ingest(RawEvent{
					Type:        kinds[i%len(kinds)],
					TimestampMs: int64(i/len(kinds)) * 1000,
					Payload:     fmt.Sprintf("p%d", i),
				})
			}
			v := acc.Flush()
			if v.EventCount != n {
				t.Fatalf("event count = %d, want %d", v.EventCount, n)
			}
			if v.Frequency != tt.want {
				t.Errorf("frequency = %s, want %s (eps=%g)", v.Frequency, tt.want, v.EventsPerSecond())
			}
		})
	}
}

func TestFlushPartialWindowValid(t *testing.T) {
	acc := NewAccumulator(nil, nil)

	v := acc.Flush()
	if v.EventCount != 0 || v.Frequency != xrs.FrequencyLow {
		t.Errorf("empty flush = %+v", v)
	}

	// Events after flush are discarded.
	acc.Ingest(RawEvent{Type: "KEYLOGGING", TimestampMs: 0, Payload: "late"})
	if acc.Vector().EventCount != 0 {
		t.Error("event accepted after flush")
	}
}

func TestNormalizerIsolatesExtensions(t *testing.T) {
	n := NewNormalizer(nil, nil)

	n.Ingest("ext-a", RawEvent{Type: "KEYLOGGING", TimestampMs: 0, Payload: "a"})
	n.Ingest("ext-b", RawEvent{Type: "COOKIE_ACCESS", TimestampMs: 0, Payload: "b"})

	va, ok := n.Flush("ext-a")
	if !ok {
		t.Fatal("ext-a window missing")
	}
	if !va.KeystrokeCapture || va.EventCount != 1 {
		t.Errorf("ext-a vector = %+v", va)
	}

	rest := n.FlushAll()
	vb, ok := rest["ext-b"]
	if !ok {
		t.Fatal("ext-b window missing from FlushAll")
	}
	if vb.KeystrokeCapture {
		t.Error("ext-b inherited ext-a's flag")
	}

	if _, ok := n.Flush("ext-a"); ok {
		t.Error("ext-a window flushed twice")
	}
}
