package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestInMemoryCollector(t *testing.T) {
	c := NewInMemoryCollector()

	t.Run("Counter", func(t *testing.T) {
		c.CounterInc(EngineAnalysesTotal.Name, "mode", "full_hybrid")
		c.CounterInc(EngineAnalysesTotal.Name, "mode", "full_hybrid")
		c.CounterAdd(EngineAnalysesTotal.Name, 5, "mode", "full_hybrid")

		got := c.GetCounter(EngineAnalysesTotal.Name, "mode", "full_hybrid")
		if got != 7 {
			t.Errorf("Counter = %v, want %v", got, 7)
		}
	})

	t.Run("Gauge", func(t *testing.T) {
		c.GaugeSet(PipelineQueueDepth.Name, 42)
		if got := c.GetGauge(PipelineQueueDepth.Name); got != 42 {
			t.Errorf("Gauge = %v, want %v", got, 42)
		}

		c.GaugeInc(PipelineQueueDepth.Name)
		if got := c.GetGauge(PipelineQueueDepth.Name); got != 43 {
			t.Errorf("Gauge after Inc = %v, want %v", got, 43)
		}

		c.GaugeDec(PipelineQueueDepth.Name)
		if got := c.GetGauge(PipelineQueueDepth.Name); got != 42 {
			t.Errorf("Gauge after Dec = %v, want %v", got, 42)
		}
	})

	t.Run("Histogram", func(t *testing.T) {
		c.HistogramObserve(EngineAnalysisDuration.Name, 0.5, "mode", "monitoring")
		c.HistogramObserve(EngineAnalysisDuration.Name, 1.5, "mode", "monitoring")

		got := c.GetHistogram(EngineAnalysisDuration.Name, "mode", "monitoring")
		if len(got) != 2 {
			t.Errorf("Histogram observations = %v, want %v", len(got), 2)
		}
	})

	t.Run("Reset", func(t *testing.T) {
		c.Reset()

		if c.GetCounter(EngineAnalysesTotal.Name, "mode", "full_hybrid") != 0 {
			t.Error("Counter should be 0 after reset")
		}
		if c.GetGauge(PipelineQueueDepth.Name) != 0 {
			t.Error("Gauge should be 0 after reset")
		}
	})
}

func TestNopCollector(t *testing.T) {
	c := &NopCollector{}

	// These should all be no-ops and not panic
	c.CounterInc("test", "label", "value")
	c.CounterAdd("test", 5)
	c.GaugeSet("test", 1)
	c.GaugeInc("test")
	c.GaugeDec("test")
	c.HistogramObserve("test", 1)
	c.Reset()

	if c.Handler() == nil {
		t.Error("Handler should not be nil")
	}
}

func TestTimer(t *testing.T) {
	c := NewInMemoryCollector()

	timer := NewTimer(c, EngineAnalysisDuration.Name, "mode", "full_hybrid")
	time.Sleep(time.Millisecond)
	d := timer.ObserveDuration()

	if d <= 0 {
		t.Error("expected positive duration")
	}
	obs := c.GetHistogram(EngineAnalysisDuration.Name, "mode", "full_hybrid")
	if len(obs) != 1 {
		t.Fatalf("observations = %d, want 1", len(obs))
	}
	if obs[0] <= 0 {
		t.Error("expected positive observation")
	}
}

func TestPrometheusCollectorDefaults(t *testing.T) {
	c := NewPrometheusCollector(&PrometheusConfig{RegisterDefaultMetrics: true})

	c.CounterInc(EngineAnalysesTotal.Name, "mode", "full_hybrid", "status", "ok")
	c.CounterInc(EngineVerdictsTotal.Name, "classification", "SAFE")
	c.GaugeSet(PipelineQueueDepth.Name, 3)
	c.HistogramObserve(EngineAnalysisDuration.Name, 0.2, "mode", "full_hybrid")

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, req)

	body, _ := io.ReadAll(rec.Result().Body)
	text := string(body)
	for _, want := range []string{
		EngineAnalysesTotal.Name,
		EngineVerdictsTotal.Name,
		PipelineQueueDepth.Name,
		EngineAnalysisDuration.Name,
	} {
		if !strings.Contains(text, want) {
			t.Errorf("metrics output missing %s", want)
		}
	}
}

func TestPrometheusCollectorIgnoresUnregistered(t *testing.T) {
	c := NewPrometheusCollector(nil)

	// No panic and no effect for metrics that were never registered
	c.CounterInc("nonexistent_counter")
	c.GaugeSet("nonexistent_gauge", 1)
	c.HistogramObserve("nonexistent_histogram", 1)
}

func TestPrometheusCollectorRegisterIdempotent(t *testing.T) {
	c := NewPrometheusCollector(nil)

	if err := c.Register(EngineAnalysesTotal); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := c.Register(EngineAnalysesTotal); err != nil {
		t.Fatalf("second Register: %v", err)
	}
}
