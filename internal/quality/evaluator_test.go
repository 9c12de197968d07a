package quality

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pixelmint/genroute/internal/eventlog"
	"github.com/pixelmint/genroute/internal/types"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newEvaluator() (*Evaluator, *MemoryVoucherStore, *eventlog.MemoryLog) {
	vouchers := NewMemoryVoucherStore()
	log := eventlog.NewMemoryLog()
	e := NewEvaluator(Config{MinClip: 0.2, MaxBrisque: 60, VoucherTTL: time.Hour}, vouchers, log, testLogger())
	return e, vouchers, log
}

func TestEvaluate_PassingScoreIssuesNothing(t *testing.T) {
	e, _, log := newEvaluator()

	v, err := e.Evaluate(context.Background(), "job-1", types.QualityScore{Clip: 0.8, Brisque: 20})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if v != nil {
		t.Errorf("Passing score should not issue a voucher: %+v", v)
	}
	if log.Len() != 0 {
		t.Errorf("No event expected for a passing score, got %d", log.Len())
	}
}

func TestEvaluate_LowClipIssuesVoucher(t *testing.T) {
	e, vouchers, log := newEvaluator()

	v, err := e.Evaluate(context.Background(), "job-1", types.QualityScore{Clip: 0.1, Brisque: 20})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if v == nil {
		t.Fatal("Low CLIP score should issue a voucher")
	}
	if v.JobID != "job-1" || v.ID == "" {
		t.Errorf("Voucher fields wrong: %+v", v)
	}
	if v.ExpiresAt.Before(time.Now()) {
		t.Error("Voucher should not be expired at issue time")
	}

	stored, ok, err := vouchers.Get(context.Background(), v.ID)
	if err != nil || !ok {
		t.Fatalf("Voucher not persisted: ok=%v err=%v", ok, err)
	}
	if stored.JobID != "job-1" {
		t.Errorf("Stored voucher wrong: %+v", stored)
	}

	events, _ := log.Query(context.Background(), types.EventVoucherIssued, time.Time{}, time.Time{})
	if len(events) != 1 {
		t.Fatalf("Expected 1 voucher-issued event, got %d", len(events))
	}
	payload := events[0].Payload.(types.VoucherIssuedPayload)
	if payload.VoucherID != v.ID || payload.Clip != 0.1 {
		t.Errorf("Event payload wrong: %+v", payload)
	}
}

func TestEvaluate_HighBrisqueIssuesVoucher(t *testing.T) {
	e, _, _ := newEvaluator()

	v, err := e.Evaluate(context.Background(), "job-2", types.QualityScore{Clip: 0.9, Brisque: 85})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if v == nil {
		t.Fatal("High BRISQUE score should issue a voucher")
	}
}

func TestEvaluate_ThresholdBoundaries(t *testing.T) {
	e, _, _ := newEvaluator()

	v, err := e.Evaluate(context.Background(), "job-3", types.QualityScore{Clip: 0.2, Brisque: 60})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if v != nil {
		t.Error("Scores exactly at the thresholds pass")
	}
}
