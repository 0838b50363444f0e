package trigger

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestValidate(t *testing.T) {
	t.Parallel()

	for _, spec := range []string{"16 2 7 3 * *", "0 13 0 * * *", "*/5 * * * *", "@daily", "@every 30s"} {
		require.NoError(t, Validate(spec), spec)
	}
	for _, spec := range []string{"", "not a cron", "61 * * * * *"} {
		require.Error(t, Validate(spec), spec)
	}
}

func TestRegisterRejectsDuplicatesAndBadSpecs(t *testing.T) {
	t.Parallel()

	r := New(zap.NewNop())
	noop := func(context.Context) error { return nil }

	require.NoError(t, r.Register("sync", "16 2 7 3 * *", noop))
	require.Error(t, r.Register("sync", "0 13 0 * * *", noop))
	require.Error(t, r.Register("fanout", "bogus", noop))
	require.Error(t, r.Register("nil", "@daily", nil))

	next, ok := r.Next("sync")
	require.True(t, ok)
	require.Equal(t, 2, next.Minute())
	require.Equal(t, 7, next.Hour())
	require.Equal(t, 3, next.Day())

	_, ok = r.Next("missing")
	require.False(t, ok)
}

func TestRunFiresRegisteredFunctions(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var ok, failed atomic.Int32
	r := New(zap.NewNop())
	require.NoError(t, r.Register("ok", "@every 1s", func(context.Context) error {
		ok.Add(1)
		return nil
	}))
	require.NoError(t, r.Register("failing", "@every 1s", func(context.Context) error {
		failed.Add(1)
		return errors.New("boom")
	}))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return ok.Load() > 0 && failed.Load() > 0
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop")
	}
}

func TestRunPassesCancelableContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())

	started := make(chan struct{})
	var once atomic.Bool
	r := New(zap.NewNop())
	require.NoError(t, r.Register("long", "@every 1s", func(jobCtx context.Context) error {
		if once.CompareAndSwap(false, true) {
			close(started)
		}
		<-jobCtx.Done()
		return jobCtx.Err()
	}))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx)
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("trigger never fired")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop after cancel")
	}
}
