package sub

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nickman/tsdblite/metric"
	"github.com/nickman/tsdblite/registry"
)

// fakeConn records frames written to a channel.
type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	f.frames = append(f.frames, cp)
	return nil
}

func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) decoded(t *testing.T) []map[string]any {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]any, 0, len(f.frames))
	for _, fr := range f.frames {
		var m map[string]any
		require.NoError(t, json.Unmarshal(fr, &m))
		out = append(out, m)
	}
	return out
}

func (f *fakeConn) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRig(t *testing.T) (*metric.Cache, *Manager) {
	t.Helper()
	cfg := metric.DefaultCacheConfig()
	cfg.Expiry = time.Hour
	cfg.ExpiryPeriod = time.Hour

	cache := metric.NewCache(cfg, registry.NoopExposer{}, testLogger())
	mgr := NewManager(DefaultConfig(), cache, testLogger())

	ctx := context.Background()
	require.NoError(t, mgr.Start(ctx))
	require.NoError(t, cache.Start(ctx))
	t.Cleanup(func() {
		_ = cache.Stop(time.Second)
		_ = mgr.Stop(time.Second)
	})
	return cache, mgr
}

func newTestChannel() (*Channel, *fakeConn) {
	conn := &fakeConn{}
	return NewChannel(conn, time.Second), conn
}

func framesOfType(t *testing.T, conn *fakeConn, typ string) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, fr := range conn.decoded(t) {
		if fr["type"] == typ {
			out = append(out, fr)
		}
	}
	return out
}

func TestParseRequestLenient(t *testing.T) {
	req := ParseRequest([]byte(`{"rid":7,"op":"ping","session":"s1","args":["a",2]}`))
	assert.Equal(t, int64(7), req.Rid)
	assert.Equal(t, "ping", req.Op)
	assert.Equal(t, "s1", req.Session)
	s, ok := req.StringArg(0)
	assert.True(t, ok)
	assert.Equal(t, "a", s)

	req = ParseRequest([]byte(`not json`))
	assert.Equal(t, int64(-1), req.Rid)
	assert.Empty(t, req.Op)

	req = ParseRequest([]byte(`{}`))
	assert.Equal(t, int64(-1), req.Rid)
	assert.NotNil(t, req.Args)
	assert.NotNil(t, req.Map)
}

func TestHandlePing(t *testing.T) {
	_, mgr := newTestRig(t)
	ch, conn := newTestChannel()

	mgr.HandleMessage(ch, []byte(`{"rid":42,"op":"ping"}`))

	frames := conn.decoded(t)
	require.Len(t, frames, 1)
	assert.Equal(t, "pong", frames[0]["response"])
	assert.Equal(t, float64(42), frames[0]["rerid"])
}

func TestHandleMissingOp(t *testing.T) {
	_, mgr := newTestRig(t)
	ch, conn := newTestChannel()

	mgr.HandleMessage(ch, []byte(`{"rid":3}`))

	frames := conn.decoded(t)
	require.Len(t, frames, 1)
	assert.Equal(t, "Request had no op code", frames[0]["error"])
	assert.Equal(t, float64(3), frames[0]["rid"])
}

func TestHandleUnknownOp(t *testing.T) {
	_, mgr := newTestRig(t)
	ch, conn := newTestChannel()

	mgr.HandleMessage(ch, []byte(`{"op":"frobnicate"}`))

	frames := conn.decoded(t)
	require.Len(t, frames, 1)
	assert.Equal(t, "Unrecognized op code: [frobnicate]", frames[0]["error"])
	assert.Nil(t, frames[0]["rid"])
}

func TestHandleSubBadPattern(t *testing.T) {
	_, mgr := newTestRig(t)
	ch, conn := newTestChannel()

	mgr.HandleMessage(ch, []byte(`{"rid":1,"op":"sub","args":[":broken"]}`))

	frames := conn.decoded(t)
	require.Len(t, frames, 1)
	assert.Equal(t, "Failed to process request: [sub]", frames[0]["error"])
	assert.NotEmpty(t, frames[0]["trace"])
}

func TestSubscribeBeforeMetricExists(t *testing.T) {
	cache, mgr := newTestRig(t)
	ch, conn := newTestChannel()

	s, err := mgr.Subscribe(ch, "sys.*", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, s.MatchCount())
	assert.Equal(t, 1, mgr.SubscriptionCount())

	entry, err := cache.GetOrCreate("sys.cpu", map[string]string{"host": "web1"})
	require.NoError(t, err)

	// The create hook runs synchronously so the first submission already
	// sees subscriber interest.
	assert.Equal(t, 1, entry.Subscribers())

	tr := metric.NewLongTrace(entry.Metric(), 17, time.Now().UnixMilli())
	require.NoError(t, cache.Submit(tr))

	require.Eventually(t, func() bool {
		return len(framesOfType(t, conn, "NEW_METRIC")) == 1 &&
			len(framesOfType(t, conn, "DATA")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	data := framesOfType(t, conn, "DATA")[0]
	assert.Equal(t, "sys.cpu:host=web1", data["m"])
	assert.Equal(t, float64(17), data["v"])
	assert.Equal(t, float64(1), data["s"])

	// No duplicate notifications arrive later.
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, framesOfType(t, conn, "NEW_METRIC"), 1)
	assert.Len(t, framesOfType(t, conn, "DATA"), 1)
}

func TestSubscribeSnapshotOnJoin(t *testing.T) {
	cache, mgr := newTestRig(t)

	entry, err := cache.GetOrCreate("sys.mem", map[string]string{"host": "web1"})
	require.NoError(t, err)
	tr := metric.NewLongTrace(entry.Metric(), 512, time.Now().UnixMilli())
	require.NoError(t, cache.Submit(tr))

	ch, conn := newTestChannel()
	s, err := mgr.Subscribe(ch, "sys.mem", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, s.MatchCount())

	require.Eventually(t, func() bool {
		return conn.count() >= 1
	}, 2*time.Second, 10*time.Millisecond)

	frames := conn.decoded(t)
	assert.Equal(t, "sys.mem:host=web1", frames[0]["m"])
	assert.Equal(t, float64(512), frames[0]["v"])
}

func TestDataRequiresMatchedIdentity(t *testing.T) {
	cache, mgr := newTestRig(t)
	ch, conn := newTestChannel()

	_, err := mgr.Subscribe(ch, "sys.cpu:host=web1", []string{"DATA"})
	require.NoError(t, err)

	other, err := cache.GetOrCreate("sys.cpu", map[string]string{"host": "web2"})
	require.NoError(t, err)
	require.NoError(t, cache.Submit(metric.NewLongTrace(other.Metric(), 1, time.Now().UnixMilli())))

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, conn.count())
	assert.Equal(t, 0, other.Subscribers())
}

func TestUnsubscribeTearsDownAndReleasesInterest(t *testing.T) {
	cache, mgr := newTestRig(t)
	ch, _ := newTestChannel()

	entry, err := cache.GetOrCreate("sys.disk", map[string]string{"host": "web1"})
	require.NoError(t, err)

	s, err := mgr.Subscribe(ch, "sys.disk", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, entry.Subscribers())

	require.NoError(t, mgr.Unsubscribe(ch, s.ID()))
	assert.Equal(t, 0, mgr.SubscriptionCount())
	assert.Equal(t, 0, entry.Subscribers())

	err = mgr.Unsubscribe(ch, s.ID())
	require.Error(t, err)
}

func TestDetachChannel(t *testing.T) {
	cache, mgr := newTestRig(t)
	ch1, _ := newTestChannel()
	ch2, _ := newTestChannel()

	entry, err := cache.GetOrCreate("sys.net", map[string]string{"host": "web1"})
	require.NoError(t, err)

	s, err := mgr.Subscribe(ch1, "sys.net", nil)
	require.NoError(t, err)
	_, err = mgr.Subscribe(ch2, "sys.net", nil)
	require.NoError(t, err)

	// Same identity: both channels share one subscription.
	assert.Equal(t, 1, mgr.SubscriptionCount())
	assert.Equal(t, 1, entry.Subscribers())

	mgr.DetachChannel(ch1)
	assert.Equal(t, 1, mgr.SubscriptionCount())

	mgr.DetachChannel(ch2)
	assert.Equal(t, 0, mgr.SubscriptionCount())
	assert.Equal(t, 0, entry.Subscribers())
	_ = s
}

func TestHandleSubAndUnsubEnvelopes(t *testing.T) {
	cache, mgr := newTestRig(t)
	ch, conn := newTestChannel()

	_, err := cache.GetOrCreate("app.latency", map[string]string{"host": "a"})
	require.NoError(t, err)

	mgr.HandleMessage(ch, []byte(`{"rid":9,"op":"sub","args":["app.*"]}`))

	var subID string
	require.Eventually(t, func() bool {
		for _, fr := range conn.decoded(t) {
			if resp, ok := fr["response"].(map[string]any); ok {
				subID, _ = resp["sub"].(string)
				return subID != "" && resp["matches"] == float64(1)
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	mgr.HandleMessage(ch, []byte(`{"rid":10,"op":"unsub","args":["`+subID+`"]}`))

	require.Eventually(t, func() bool {
		for _, fr := range conn.decoded(t) {
			if fr["response"] == "ok" && fr["rerid"] == float64(10) {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, mgr.SubscriptionCount())
}

func TestHandleQuery(t *testing.T) {
	cache, mgr := newTestRig(t)
	ch, conn := newTestChannel()

	_, err := cache.GetOrCreate("sys.cpu", map[string]string{"host": "web1"})
	require.NoError(t, err)
	_, err = cache.GetOrCreate("sys.mem", map[string]string{"host": "web1"})
	require.NoError(t, err)

	mgr.HandleMessage(ch, []byte(`{"rid":5,"op":"query","args":["sys.cpu"]}`))

	frames := conn.decoded(t)
	require.Len(t, frames, 1)
	resp, ok := frames[0]["response"].([]any)
	require.True(t, ok)
	require.Len(t, resp, 1)
	assert.Equal(t, "sys.cpu:host=web1", resp[0])
}

func TestExpiredNotification(t *testing.T) {
	cfg := metric.DefaultCacheConfig()
	cfg.Expiry = 80 * time.Millisecond
	cfg.ExpiryPeriod = 20 * time.Millisecond

	cache := metric.NewCache(cfg, registry.NoopExposer{}, testLogger())
	mgr := NewManager(DefaultConfig(), cache, testLogger())

	ctx := context.Background()
	require.NoError(t, mgr.Start(ctx))
	require.NoError(t, cache.Start(ctx))
	defer func() {
		_ = cache.Stop(time.Second)
		_ = mgr.Stop(time.Second)
	}()

	ch, conn := newTestChannel()
	_, err := mgr.Subscribe(ch, "sys.*", []string{"EXPIRED_METRIC"})
	require.NoError(t, err)

	_, err = cache.GetOrCreate("sys.cpu", map[string]string{"host": "web1"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(framesOfType(t, conn, "EXPIRED_METRIC")) == 1
	}, 3*time.Second, 20*time.Millisecond)

	expired := framesOfType(t, conn, "EXPIRED_METRIC")[0]
	assert.Equal(t, "sys.cpu:host=web1", expired["m"])
	// Expiry notifications carry no value fields.
	_, hasValue := expired["v"]
	assert.False(t, hasValue)
	assert.Equal(t, int64(0), cache.Size())
}

func TestSubscribeDuringTeardownGetsLiveSubscription(t *testing.T) {
	cache, mgr := newTestRig(t)

	ch1, _ := newTestChannel()
	s1, err := mgr.Subscribe(ch1, "sys.*", nil)
	require.NoError(t, err)

	h, ok := mgr.subs.Load(s1.ID())
	require.True(t, ok)

	// A detaching channel has dropped the last subscriber but has not yet
	// removed the subscription from the map.
	removed, torndown := s1.removeChannel(ch1)
	require.True(t, removed)
	require.True(t, torndown)

	// A join landing in that window must not attach to the dead
	// subscription; it retires the holder and builds a fresh one.
	ch2, conn2 := newTestChannel()
	s2, err := mgr.Subscribe(ch2, "sys.*", nil)
	require.NoError(t, err)
	require.NotSame(t, s1, s2)

	// The detacher finishes its teardown; the replacement must survive it.
	mgr.teardown(h.(*subHolder))

	cur, ok := mgr.subs.Load(s2.ID())
	require.True(t, ok)
	assert.Same(t, s2, cur.(*subHolder).sub)

	e, err := cache.GetOrCreate("sys.cpu", map[string]string{"host": "web1"})
	require.NoError(t, err)
	require.NoError(t, cache.Submit(metric.NewLongTrace(e.Metric(), 9, 1700000000)))

	require.Eventually(t, func() bool {
		return len(framesOfType(t, conn2, "DATA")) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDeadSubscriptionRefusesChannels(t *testing.T) {
	_, mgr := newTestRig(t)

	ch, _ := newTestChannel()
	s, err := mgr.Subscribe(ch, "sys.cpu:host=*", nil)
	require.NoError(t, err)

	_, torndown := s.removeChannel(ch)
	require.True(t, torndown)

	other, _ := newTestChannel()
	assert.False(t, s.addChannel(other))

	// The empty transition happens exactly once.
	_, torndown = s.removeChannel(ch)
	assert.False(t, torndown)
}
