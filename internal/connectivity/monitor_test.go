package connectivity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSwitch_FiresOncePerReconnectEdge(t *testing.T) {
	s := NewSwitch(true)
	var fired atomic.Int32
	s.OnReconnect(func() { fired.Add(1) })

	// online -> online repeats fire nothing
	assert.False(t, s.Set(true))
	assert.False(t, s.Set(true))

	// offline, offline, online: exactly one edge
	assert.False(t, s.Set(false))
	assert.False(t, s.Set(false))
	assert.True(t, s.Set(true))
	assert.False(t, s.Set(true))
	s.Wait()
	assert.Equal(t, int32(1), fired.Load())

	s.Set(false)
	s.Set(true)
	s.Wait()
	assert.Equal(t, int32(2), fired.Load())
}

func TestSwitch_SetDoesNotBlockOnSubscribers(t *testing.T) {
	s := NewSwitch(false)
	release := make(chan struct{})
	s.OnReconnect(func() { <-release })

	done := make(chan struct{})
	go func() {
		s.Set(true)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Set blocked on a slow subscriber")
	}
	close(release)
	s.Wait()
}

func TestSwitch_Unsubscribe(t *testing.T) {
	s := NewSwitch(false)
	var fired atomic.Int32
	unsubscribe := s.OnReconnect(func() { fired.Add(1) })
	require.Equal(t, 1, s.Subscribers())

	unsubscribe()
	unsubscribe()
	assert.Equal(t, 0, s.Subscribers())

	s.Set(true)
	s.Wait()
	assert.Equal(t, int32(0), fired.Load())
}

func TestPoller_FailsOpen(t *testing.T) {
	p := NewPoller(ProberFunc(func(ctx context.Context) error {
		return ErrUnavailable
	}), PollerConfig{})

	assert.True(t, p.Check(context.Background()))
	assert.True(t, p.Online())
}

func TestPoller_NilProberStaysOnline(t *testing.T) {
	p := NewPoller(nil, PollerConfig{})
	assert.True(t, p.Check(context.Background()))
}

func TestPoller_TracksProbeResults(t *testing.T) {
	var reachable atomic.Bool
	p := NewPoller(ProberFunc(func(ctx context.Context) error {
		if reachable.Load() {
			return nil
		}
		return errors.New("dial tcp: connection refused")
	}), PollerConfig{})

	var reconnects atomic.Int32
	p.OnReconnect(func() { reconnects.Add(1) })

	ctx := context.Background()
	assert.False(t, p.Check(ctx))
	assert.False(t, p.Online())

	reachable.Store(true)
	assert.True(t, p.Check(ctx))
	assert.True(t, p.Check(ctx))
	p.Wait()
	assert.Equal(t, int32(1), reconnects.Load())
}

func TestPoller_StartStop(t *testing.T) {
	var probes atomic.Int32
	p := NewPoller(ProberFunc(func(ctx context.Context) error {
		probes.Add(1)
		return nil
	}), PollerConfig{Interval: 10 * time.Millisecond})

	require.NoError(t, p.Start(context.Background()))
	assert.Error(t, p.Start(context.Background()))

	assert.Eventually(t, func() bool { return probes.Load() >= 3 }, time.Second, 5*time.Millisecond)
	p.Stop()
	p.Stop()

	after := probes.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, probes.Load())
}

func TestHTTPProber(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx := context.Background()
	assert.NoError(t, (&HTTPProber{URL: srv.URL}).Probe(ctx), "any response means reachable")
	assert.ErrorIs(t, (&HTTPProber{}).Probe(ctx), ErrUnavailable)

	srv.Close()
	assert.Error(t, (&HTTPProber{URL: srv.URL}).Probe(ctx))
}
