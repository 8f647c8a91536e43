package throttle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type stopErr struct{}

func (stopErr) Error() string   { return "stop" }
func (stopErr) StopRetry() bool { return true }

func fastBackOff() backoff.BackOff {
	return backoff.NewConstantBackOff(time.Millisecond)
}

func TestDo(t *testing.T) {
	t.Parallel()

	errTemp := errors.New("temporary")
	tests := []struct {
		name      string
		failures  int
		failWith  error
		retries   int
		wantCalls int
		wantErr   error
	}{
		{name: "first try", failures: 0, wantCalls: 1},
		{name: "retries until success", failures: 2, failWith: errTemp, wantCalls: 3},
		{name: "stop retryer", failures: 5, failWith: stopErr{}, wantCalls: 1, wantErr: stopErr{}},
		{name: "retry limit", failures: 10, failWith: errTemp, retries: 2, wantCalls: 3, wantErr: errTemp},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			th := New(1000, WithBackOff(fastBackOff), WithMaxRetries(tt.retries))
			calls := 0
			err := th.Do(context.Background(), func() error {
				calls++
				if calls <= tt.failures {
					return tt.failWith
				}
				return nil
			})
			if calls != tt.wantCalls {
				t.Fatalf("calls = %d, want %d", calls, tt.wantCalls)
			}
			if tt.wantErr == nil && err != nil {
				t.Fatalf("unexpected error %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestWaitObservesAndHonoursContext(t *testing.T) {
	t.Parallel()

	var observed int
	th := New(1, WithBurst(1), WithObserver(func(time.Duration) { observed++ }))
	if err := th.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := th.Wait(ctx); err == nil {
		t.Fatal("wait on cancelled context must fail")
	}
	if observed != 2 {
		t.Fatalf("observed = %d", observed)
	}
}
