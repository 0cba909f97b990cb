package retry

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/oobctl/pkg/clock"
	"github.com/openfroyo/oobctl/pkg/hardware"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func connectionReset() error {
	return hardware.ClassifyTransportError("send", fmt.Errorf("read tcp: %w", syscall.ECONNRESET))
}

func TestDoRecoversFromConnectionResets(t *testing.T) {
	for _, jitter := range []float64{0, 0.1} {
		t.Run(fmt.Sprintf("jitter=%v", jitter), func(t *testing.T) {
			clk := clock.AutoAdvance(epoch)
			p := Policy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 30 * time.Second, JitterFraction: jitter}

			calls := 0
			got, err := Do(context.Background(), clk, p, func(ctx context.Context, attempt int) (string, error) {
				calls++
				if attempt <= 2 {
					return "", connectionReset()
				}
				return "ok", nil
			})

			require.NoError(t, err)
			assert.Equal(t, "ok", got)
			assert.Equal(t, 3, calls)

			elapsed := clock.Since(clk, epoch)
			assert.GreaterOrEqual(t, elapsed, time.Duration(float64(3*time.Second)*(1-jitter)))
			assert.LessOrEqual(t, elapsed, time.Duration(float64(3*time.Second)*(1+jitter)))
		})
	}
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	clk := clock.AutoAdvance(epoch)
	authErr := hardware.NewAuthError("bad password", nil)

	calls := 0
	err := Run(context.Background(), clk, DefaultPolicy(), func(ctx context.Context, attempt int) error {
		calls++
		return authErr
	})

	assert.Same(t, authErr, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, time.Duration(0), clock.Since(clk, epoch))
}

func TestDoBounds(t *testing.T) {
	tests := []struct {
		name         string
		policy       Policy
		wantAttempts int
	}{
		{
			name:         "attempts exhausted",
			policy:       Policy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second},
			wantAttempts: 3,
		},
		{
			name:         "deadline stops before attempts",
			policy:       Policy{MaxAttempts: 100, BaseDelay: time.Second, MaxDelay: 4 * time.Second, Deadline: 10 * time.Second},
			wantAttempts: 4,
		},
		{
			name:         "single attempt",
			policy:       Policy{MaxAttempts: 1, BaseDelay: time.Second},
			wantAttempts: 1,
		},
		{
			name:         "jittered deadline",
			policy:       Policy{MaxAttempts: 50, BaseDelay: 500 * time.Millisecond, MaxDelay: 2 * time.Second, Deadline: 15 * time.Second, JitterFraction: 0.5},
			wantAttempts: -1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clk := clock.AutoAdvance(epoch)
			calls := 0
			err := Run(context.Background(), clk, tt.policy, func(ctx context.Context, attempt int) error {
				calls++
				return hardware.NewTimeoutError("no reply", nil)
			})

			require.True(t, errors.Is(err, hardware.ErrRetriesExhausted), "got %v", err)
			herr, _ := hardware.AsError(err)
			assert.Equal(t, calls, herr.Attempts)
			assert.True(t, errors.Is(err, hardware.ErrTimeout), "last error must be wrapped")

			assert.LessOrEqual(t, calls, tt.policy.MaxAttempts)
			if tt.wantAttempts > 0 {
				assert.Equal(t, tt.wantAttempts, calls)
			}
			if tt.policy.Deadline > 0 {
				maxWait := time.Duration(float64(tt.policy.MaxDelay) * (1 + tt.policy.JitterFraction))
				assert.LessOrEqual(t, clock.Since(clk, epoch), tt.policy.Deadline+maxWait)
			}
		})
	}
}

func TestDoBoundsBlockingAttempt(t *testing.T) {
	p := Policy{MaxAttempts: 5, BaseDelay: 10 * time.Millisecond, MaxDelay: 20 * time.Millisecond, Deadline: 100 * time.Millisecond}

	start := time.Now()
	calls := 0
	err := Run(context.Background(), clock.Real(), p, func(ctx context.Context, attempt int) error {
		calls++
		_, hasDeadline := ctx.Deadline()
		assert.True(t, hasDeadline, "attempt context must carry the policy deadline")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
			return nil
		}
	})
	elapsed := time.Since(start)

	require.True(t, errors.Is(err, hardware.ErrRetriesExhausted), "got %v", err)
	assert.True(t, errors.Is(err, hardware.ErrTimeout), "cut-off attempt must surface as a timeout")
	assert.Equal(t, 1, calls)
	assert.Less(t, elapsed, p.Deadline+p.MaxDelay+200*time.Millisecond)
}

func TestDoAttemptExpiresOnFakeClock(t *testing.T) {
	clk := clock.AutoAdvance(epoch)
	p := Policy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 2 * time.Second, Deadline: 10 * time.Second}

	calls := 0
	err := Run(context.Background(), clk, p, func(ctx context.Context, attempt int) error {
		calls++
		// Each attempt outlives the whole sequence.
		clk.Sleep(time.Minute)
		require.ErrorIs(t, ctx.Err(), context.DeadlineExceeded)
		return hardware.NewTimeoutError("no reply", ctx.Err())
	})

	require.True(t, errors.Is(err, hardware.ErrRetriesExhausted), "got %v", err)
	herr, _ := hardware.AsError(err)
	assert.Equal(t, 1, herr.Attempts)
	assert.Equal(t, 1, calls)
}

func TestDoKeepsNonRetryableCutOffError(t *testing.T) {
	clk := clock.AutoAdvance(epoch)
	p := Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		Deadline:    5 * time.Second,
		Retryable: func(err error) bool {
			return !hardware.IsEffectUnknown(err) && hardware.IsRetryable(err)
		},
	}

	err := Run(context.Background(), clk, p, func(ctx context.Context, attempt int) error {
		clk.Sleep(time.Minute)
		return hardware.NewTimeoutError("send timed out", ctx.Err()).WithEffectUnknown()
	})

	assert.False(t, errors.Is(err, hardware.ErrRetriesExhausted))
	assert.True(t, hardware.IsEffectUnknown(err))
}

func TestNominalDelay(t *testing.T) {
	p := Policy{BaseDelay: 250 * time.Millisecond, MaxDelay: 5 * time.Second}

	assert.Equal(t, 250*time.Millisecond, p.NominalDelay(1))
	assert.Equal(t, 500*time.Millisecond, p.NominalDelay(2))
	assert.Equal(t, 4*time.Second, p.NominalDelay(5))
	assert.Equal(t, 5*time.Second, p.NominalDelay(6))

	prev := time.Duration(0)
	for n := 1; n <= 80; n++ {
		d := p.NominalDelay(n)
		if d < prev {
			t.Fatalf("delay decreased at attempt %d: %s < %s", n, d, prev)
		}
		if d > p.MaxDelay {
			t.Fatalf("delay %s exceeds max at attempt %d", d, n)
		}
		prev = d
	}
}

func TestDelayJitterBounds(t *testing.T) {
	p := Policy{BaseDelay: time.Second, MaxDelay: time.Minute, JitterFraction: 0.25}

	p.Rand = func() float64 { return 0 }
	assert.Equal(t, 1500*time.Millisecond, p.Delay(2))

	p.Rand = func() float64 { return 0.5 }
	assert.Equal(t, 2*time.Second, p.Delay(2))

	p.Rand = nil
	for i := 0; i < 200; i++ {
		d := p.Delay(3)
		if d < 3*time.Second || d > 5*time.Second {
			t.Fatalf("jittered delay %s outside [3s, 5s]", d)
		}
	}
}

func TestDoCancelledDuringBackoff(t *testing.T) {
	clk := clock.Fake(epoch)
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, clk, DefaultPolicy(), func(ctx context.Context, attempt int) error {
			calls++
			return connectionReset()
		})
	}()

	clk.WaitForTimers(1)
	cancel()

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, hardware.ErrCancelled), "got %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, 1, calls)
}

func TestDoContextDeadline(t *testing.T) {
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	err := Run(ctx, clock.AutoAdvance(epoch), DefaultPolicy(), func(ctx context.Context, attempt int) error {
		t.Fatal("no attempt expected after the deadline")
		return nil
	})
	assert.True(t, errors.Is(err, hardware.ErrTimeout), "got %v", err)
}

func TestOnRetry(t *testing.T) {
	var seen []Attempt
	p := Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    time.Minute,
		OnRetry:     func(a Attempt) { seen = append(seen, a) },
	}

	_ = Run(context.Background(), clock.AutoAdvance(epoch), p, func(ctx context.Context, attempt int) error {
		return connectionReset()
	})

	require.Len(t, seen, 2)
	assert.Equal(t, 1, seen[0].Number)
	assert.Equal(t, time.Second, seen[0].Delay)
	assert.Equal(t, 2, seen[1].Number)
	assert.Equal(t, time.Second, seen[1].Elapsed)
	assert.Equal(t, 2*time.Second, seen[1].Delay)
}

func TestCustomRetryable(t *testing.T) {
	p := Policy{
		MaxAttempts: 4,
		BaseDelay:   time.Millisecond,
		Retryable:   func(err error) bool { return !hardware.IsEffectUnknown(err) && hardware.IsRetryable(err) },
	}

	calls := 0
	err := Run(context.Background(), clock.AutoAdvance(epoch), p, func(ctx context.Context, attempt int) error {
		calls++
		return hardware.NewTransportError("lost", nil, true).WithEffectUnknown()
	})

	assert.True(t, hardware.IsEffectUnknown(err))
	assert.Equal(t, 1, calls)
}

func TestPolicyValidate(t *testing.T) {
	tests := []struct {
		name    string
		policy  Policy
		wantErr bool
	}{
		{"default", DefaultPolicy(), false},
		{"zero attempts", Policy{}, true},
		{"negative delay", Policy{MaxAttempts: 1, BaseDelay: -1}, true},
		{"base above max", Policy{MaxAttempts: 1, BaseDelay: time.Minute, MaxDelay: time.Second}, true},
		{"jitter too large", Policy{MaxAttempts: 1, JitterFraction: 1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.policy.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
