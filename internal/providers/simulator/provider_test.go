package simulator

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pixelmint/genroute/internal/providers"
	"github.com/pixelmint/genroute/internal/types"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func TestGenerate_ReturnsSyntheticRef(t *testing.T) {
	p := New(&Config{CostPerImage: 0.001}, testLogger())

	ref, err := p.Generate(context.Background(), &types.GenerationRequest{Prompt: "a cat"})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if !strings.HasPrefix(ref.ID, "sim-") {
		t.Errorf("Job ref should carry the sim- prefix, got %q", ref.ID)
	}
	if ref.Provider != string(types.SimulatorProvider) {
		t.Errorf("Provider = %q, want %q", ref.Provider, types.SimulatorProvider)
	}
}

func TestGenerate_DeterministicFailuresWithSeed(t *testing.T) {
	run := func() []bool {
		p := New(&Config{FailureRate: 0.5, Seed: 7}, testLogger())
		var outcomes []bool
		for i := 0; i < 20; i++ {
			_, err := p.Generate(context.Background(), &types.GenerationRequest{Prompt: "x"})
			outcomes = append(outcomes, err == nil)
		}
		return outcomes
	}

	first, second := run(), run()
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("Seeded runs diverged at call %d", i)
		}
	}
}

func TestGenerate_FailuresAreTransient(t *testing.T) {
	p := New(&Config{FailureRate: 1.0}, testLogger())

	_, err := p.Generate(context.Background(), &types.GenerationRequest{Prompt: "x"})
	if err == nil {
		t.Fatal("FailureRate 1.0 should always fail")
	}
	if !providers.IsTransient(err) {
		t.Errorf("Simulated failure should be transient, got %v", err)
	}
}

func TestGenerate_CancelledDuringLatency(t *testing.T) {
	p := New(&Config{Latency: time.Minute}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Generate(ctx, &types.GenerationRequest{Prompt: "x"})
	if err == nil {
		t.Fatal("Cancelled context should abort generation")
	}
	if !providers.IsTransient(err) {
		t.Errorf("Cancellation should surface as transient, got %v", err)
	}
}

func TestSupports_AcceptsEverything(t *testing.T) {
	p := New(&Config{}, testLogger())
	if !p.Supports("anything", "at-all") {
		t.Error("Simulator must support every template/style pair")
	}

	ok, _, err := p.HealthCheck(context.Background())
	if !ok || err != nil {
		t.Errorf("Simulator health check should always pass: ok=%v err=%v", ok, err)
	}
}
