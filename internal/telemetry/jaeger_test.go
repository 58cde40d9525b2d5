package telemetry

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestInitJaegerReturnsShutdown(t *testing.T) {
	shutdown, err := InitJaeger(Config{
		ServiceName: "collabsync-test",
		Endpoint:    "http://127.0.0.1:14268/api/traces",
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("InitJaeger: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown with no spans: %v", err)
	}
}

func TestSampler(t *testing.T) {
	tests := []struct {
		ratio float64
		want  string
	}{
		{0, "AlwaysOnSampler"},
		{1, "AlwaysOnSampler"},
		{0.25, "ParentBased"},
	}

	for _, tt := range tests {
		if got := sampler(tt.ratio).Description(); !strings.HasPrefix(got, tt.want) {
			t.Errorf("sampler(%v) = %q, want prefix %q", tt.ratio, got, tt.want)
		}
	}
}
