package observability

import (
	"context"
	"strings"
	"testing"
)

func TestInitTracerWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := InitTracer(context.Background(), TracerConfig{ServiceName: "ledger-api"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestSamplerBounds(t *testing.T) {
	cases := map[float64]string{
		1:    "ParentBased{root:AlwaysOnSampler",
		2:    "ParentBased{root:AlwaysOnSampler",
		0:    "ParentBased{root:AlwaysOffSampler",
		-1:   "ParentBased{root:AlwaysOffSampler",
		0.25: "ParentBased{root:TraceIDRatioBased{0.25}",
	}
	for ratio, prefix := range cases {
		if got := Sampler(ratio).Description(); !strings.HasPrefix(got, prefix) {
			t.Fatalf("Sampler(%v) = %q, want prefix %q", ratio, got, prefix)
		}
	}
}
