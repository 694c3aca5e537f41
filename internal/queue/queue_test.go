package queue_test

import (
	"context"
	"testing"

	"go.uber.org/goleak"

	"github.com/dantte-lp/hostscan/internal/queue"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestFormatDeadHost(t *testing.T) {
	if got, want := queue.FormatDeadHost(3), "DEADHOST||| ||| ||| |||3"; got != want {
		t.Fatalf("FormatDeadHost(3) = %q, want %q", got, want)
	}
}

func TestFormatErrMsg(t *testing.T) {
	if got, want := queue.FormatErrMsg("5 targets unprobed"), "ERRMSG||| ||| ||| |||5 targets unprobed"; got != want {
		t.Fatalf("FormatErrMsg(...) = %q, want %q", got, want)
	}
}

func TestMemoryRecordsInArrivalOrder(t *testing.T) {
	ctx := context.Background()
	m := queue.NewMemory()

	if err := m.PublishHost(ctx, "10.0.0.1"); err != nil {
		t.Fatalf("PublishHost: %v", err)
	}
	if err := m.PublishHost(ctx, "10.0.0.3"); err != nil {
		t.Fatalf("PublishHost: %v", err)
	}
	if err := m.PublishStatus(ctx, queue.FormatDeadHost(1)); err != nil {
		t.Fatalf("PublishStatus: %v", err)
	}
	if err := m.PublishFinish(ctx); err != nil {
		t.Fatalf("PublishFinish: %v", err)
	}

	if got, want := m.Hosts(), []string{"10.0.0.1", "10.0.0.3"}; len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("Hosts() = %v, want %v", got, want)
	}
	if got, want := m.Statuses(), []string{"DEADHOST||| ||| ||| |||1"}; len(got) != 1 || got[0] != want[0] {
		t.Fatalf("Statuses() = %v, want %v", got, want)
	}
	if got := m.Finishes(); got != 1 {
		t.Fatalf("Finishes() = %d, want 1", got)
	}
}
