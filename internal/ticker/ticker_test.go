package ticker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"saharbot/pkg/logx"
)

func TestAddDailyValidation(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())
	if err := s.AddDaily("compact", "25:00", 0, func(context.Context) error { return nil }); err == nil {
		t.Fatal("bad hour accepted")
	}
	if err := s.AddDaily("compact", "0300", 0, func(context.Context) error { return nil }); err == nil {
		t.Fatal("missing colon accepted")
	}
	if err := s.AddDaily("compact", "03:00", 0, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("valid time rejected: %v", err)
	}
}

func TestAddIntervalValidation(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())
	if err := s.AddInterval("tick", 0, 0, func(context.Context) error { return nil }); err == nil {
		t.Fatal("zero interval accepted")
	}
}

func TestIntervalJobRuns(t *testing.T) {
	t.Parallel()
	s := New(Config{Workers: 1}, logx.Nop())
	var runs atomic.Int32
	if err := s.AddInterval("tick", 50*time.Millisecond, time.Second, func(context.Context) error {
		runs.Add(1)
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("job never ran")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRunOneTimeout(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())
	done := make(chan error, 1)
	s.runOne(context.Background(), task{
		name:    "slow",
		timeout: 20 * time.Millisecond,
		run: func(ctx context.Context) error {
			<-ctx.Done()
			done <- ctx.Err()
			return ctx.Err()
		},
	})
	select {
	case err := <-done:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("ctx err = %v", err)
		}
	default:
		t.Fatal("job ran without deadline")
	}
}
