package telemetry

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"DEBUG", zerolog.DebugLevel},
		{"warn", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"trace", zerolog.TraceLevel},
		{"", zerolog.InfoLevel},
		{"bogus", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := parseLogLevel(tt.in); got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestMetricsNilReceiverIsSafe(t *testing.T) {
	var m *Metrics
	m.RunStarted("contoso", "Brownfield")
	m.RunCompleted("contoso", "succeeded")
	m.StepExecuted("create", "Succeeded", time.Second)
	m.StepRetried()
	m.ConflictsFound("contoso", "Red", 2)
}

func TestMetricsScrape(t *testing.T) {
	m := NewMetrics()
	m.RunStarted("contoso", "Brownfield")
	m.StepExecuted("create", "Succeeded", 50*time.Millisecond)
	m.StepRetried()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()

	for _, metric := range []string{
		"tenet_runs_started_total",
		"tenet_steps_executed_total",
		"tenet_step_retries_total",
	} {
		if !strings.Contains(body, metric) {
			t.Errorf("scrape missing %s", metric)
		}
	}
}

func TestTracerExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	tr, err := NewTracer(true, &buf)
	if err != nil {
		t.Fatalf("NewTracer: %v", err)
	}

	_, span := tr.Start(context.Background(), "classify")
	End(span, nil)
	if err := tr.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if !strings.Contains(buf.String(), "classify") {
		t.Error("span not exported")
	}
}

func TestTracerDisabledIsNoop(t *testing.T) {
	tr, err := NewTracer(false, nil)
	if err != nil {
		t.Fatalf("NewTracer: %v", err)
	}
	_, span := tr.Start(context.Background(), "noop")
	End(span, nil)
	if err := tr.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}
