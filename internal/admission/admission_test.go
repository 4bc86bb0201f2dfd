// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package admission_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigil-dev/agentexec/internal/admission"
	"github.com/sigil-dev/agentexec/internal/metrics"
	sigilerr "github.com/sigil-dev/agentexec/pkg/errors"
	"github.com/sigil-dev/agentexec/pkg/types"
)

func newController(t *testing.T, cfg admission.Config) *admission.Controller {
	t.Helper()
	c, err := admission.New(cfg, admission.WithMetrics(metrics.New()))
	require.NoError(t, err)
	return c
}

func TestFailFast_ThreeCallersTwoSlots(t *testing.T) {
	c := newController(t, admission.Config{MaxConcurrent: 2, Mode: types.AdmissionModeFailFast})

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		permits  []*admission.Permit
		rejected atomic.Int32
	)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := c.TryEnter()
			if err != nil {
				assert.True(t, sigilerr.HasCode(err, sigilerr.CodeAdmissionRejected))
				rejected.Add(1)
				return
			}
			mu.Lock()
			permits = append(permits, p)
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), rejected.Load())
	require.Len(t, permits, 2)
	assert.Equal(t, int64(2), c.Stats().InFlight)

	permits[0].Release()

	p, err := c.TryEnter()
	require.NoError(t, err, "a new caller must be admitted after a release")
	p.Release()
	permits[1].Release()

	stats := c.Stats()
	assert.Equal(t, int64(0), stats.InFlight)
	assert.Equal(t, int64(3), stats.Admitted)
	assert.Equal(t, int64(1), stats.Rejected)
	assert.Equal(t, 2, stats.Max)
	assert.Equal(t, types.AdmissionModeFailFast, stats.Mode)
}

func TestPermit_ReleaseIsIdempotent(t *testing.T) {
	c := newController(t, admission.Config{MaxConcurrent: 1})

	p, err := c.TryEnter()
	require.NoError(t, err)
	p.Release()
	p.Release()
	assert.Equal(t, int64(0), c.Stats().InFlight)

	first, err := c.TryEnter()
	require.NoError(t, err)
	_, err = c.TryEnter()
	assert.Error(t, err, "double release must not free an extra slot")
	first.Release()

	var nilPermit *admission.Permit
	assert.NotPanics(t, nilPermit.Release)
}

func TestQueued_TimesOutWithoutHoldingSlot(t *testing.T) {
	c := newController(t, admission.Config{
		MaxConcurrent: 1,
		Mode:          types.AdmissionModeQueued,
		QueueTimeout:  20 * time.Millisecond,
	})

	held, err := c.Admit(context.Background())
	require.NoError(t, err)

	_, err = c.Admit(context.Background())
	require.Error(t, err)
	assert.True(t, sigilerr.HasCode(err, sigilerr.CodeAdmissionQueueTimeout))
	assert.Equal(t, int64(1), c.Stats().InFlight)

	held.Release()
	p, err := c.Admit(context.Background())
	require.NoError(t, err)
	p.Release()
}

func TestQueued_WaitsForRelease(t *testing.T) {
	c := newController(t, admission.Config{
		MaxConcurrent: 1,
		Mode:          types.AdmissionModeQueued,
		QueueTimeout:  5 * time.Second,
	})

	held, err := c.Admit(context.Background())
	require.NoError(t, err)

	done := make(chan *admission.Permit)
	go func() {
		p, err := c.Admit(context.Background())
		assert.NoError(t, err)
		done <- p
	}()

	time.Sleep(10 * time.Millisecond)
	held.Release()

	select {
	case p := <-done:
		require.NotNil(t, p)
		assert.Greater(t, p.QueueWait, time.Duration(0))
		p.Release()
	case <-time.After(2 * time.Second):
		t.Fatal("queued caller was never admitted")
	}
}

func TestQueued_CallerCancellation(t *testing.T) {
	c := newController(t, admission.Config{MaxConcurrent: 1, Mode: types.AdmissionModeQueued})

	held, err := c.Admit(context.Background())
	require.NoError(t, err)
	defer held.Release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err = c.Enter(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int64(1), c.Stats().InFlight)
}

func TestDo_ReleasesOnPanic(t *testing.T) {
	c := newController(t, admission.Config{MaxConcurrent: 1})

	assert.PanicsWithValue(t, "tool blew up", func() {
		_ = c.Do(context.Background(), func(context.Context) error {
			panic("tool blew up")
		})
	})
	assert.Equal(t, int64(0), c.Stats().InFlight)

	ran := false
	require.NoError(t, c.Do(context.Background(), func(context.Context) error {
		ran = true
		return nil
	}))
	assert.True(t, ran)
}

func TestDo_RejectedDoesNoWork(t *testing.T) {
	c := newController(t, admission.Config{MaxConcurrent: 1})
	held, err := c.TryEnter()
	require.NoError(t, err)
	defer held.Release()

	called := false
	err = c.Do(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	assert.True(t, sigilerr.HasCode(err, sigilerr.CodeAdmissionRejected))
	assert.False(t, called)
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  admission.Config
	}{
		{"zero capacity", admission.Config{MaxConcurrent: 0}},
		{"bad mode", admission.Config{MaxConcurrent: 1, Mode: "LIFO"}},
		{"negative timeout", admission.Config{MaxConcurrent: 1, Mode: types.AdmissionModeQueued, QueueTimeout: -time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := admission.New(tt.cfg)
			require.Error(t, err)
			assert.True(t, sigilerr.HasCode(err, sigilerr.CodeAdmissionConfigInvalid))
		})
	}
}

func TestConcurrentNeverExceedsMax(t *testing.T) {
	const maxConcurrent = 3
	c := newController(t, admission.Config{
		MaxConcurrent: maxConcurrent,
		Mode:          types.AdmissionModeQueued,
		QueueTimeout:  5 * time.Second,
	})

	var current, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.Do(context.Background(), func(context.Context) error {
				n := current.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				current.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(maxConcurrent))
	assert.Equal(t, int64(20), c.Stats().Admitted)
}
