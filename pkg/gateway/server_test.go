package gateway

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eufylive/stream-gateway/pkg/upstream"
)

// fakeUpstream is a minimal in-process upstream.Commands +
// upstream.EventSubscriber double, letting server tests push frames
// directly without a real WebSocket round trip.
type fakeUpstream struct {
	mu         sync.Mutex
	handler    upstream.FrameHandler
	startCalls int
	stopCalls  int
	startErr   error
	stopErr    error
}

func (f *fakeUpstream) StartLivestream(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls++
	return f.startErr
}

func (f *fakeUpstream) StopLivestream(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls++
	return f.stopErr
}

func (f *fakeUpstream) SubscribeVideoData(_ string, handler upstream.FrameHandler) (upstream.Unsubscribe, error) {
	f.mu.Lock()
	f.handler = handler
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.handler = nil
		f.mu.Unlock()
	}, nil
}

func (f *fakeUpstream) push(ev upstream.FrameEvent) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		Port:            0,
		BindHost:        "127.0.0.1",
		MaxConnections:  5,
		IdleTimeout:     time.Minute,
		StartRetryCount: 2,
		StartRetryDelay: time.Millisecond,
		PostStartGrace:  time.Hour,
		CameraID:        "camera-1",
	}.withDefaults()
}

func dialServer(t *testing.T, s *Server) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", s.ListeningPort()))
	require.NoError(t, err)
	return conn
}

func TestServer_StartAndStop(t *testing.T) {
	up := &fakeUpstream{}
	s := NewServer(testConfig(t), up, up)
	require.NoError(t, s.Start())
	assert.True(t, s.IsRunning())
	assert.NotZero(t, s.ListeningPort())

	require.NoError(t, s.Stop())
	assert.False(t, s.IsRunning())
}

func TestServer_ClientConnectStartsLivestream(t *testing.T) {
	up := &fakeUpstream{}
	s := NewServer(testConfig(t), up, up)
	require.NoError(t, s.Start())
	defer s.Stop() //nolint:errcheck

	conn := dialServer(t, s)
	defer conn.Close()

	require.Eventually(t, func() bool {
		up.mu.Lock()
		defer up.mu.Unlock()
		return up.startCalls >= 1
	}, time.Second, time.Millisecond)

	// IsStreamActive only flips once a frame is actually observed, not
	// merely on start_livestream command success.
	assert.False(t, s.IsStreamActive())
	up.push(upstream.FrameEvent{Serial: "camera-1", Buffer: []byte{0x00, 0x00, 0x00, 0x01, 0x65, 0x01}})
	require.Eventually(t, func() bool { return s.IsStreamActive() }, time.Second, time.Millisecond)

	up.mu.Lock()
	calls := up.startCalls
	up.mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestServer_LastDisconnectStopsLivestream(t *testing.T) {
	up := &fakeUpstream{}
	s := NewServer(testConfig(t), up, up)
	require.NoError(t, s.Start())
	defer s.Stop() //nolint:errcheck

	conn := dialServer(t, s)
	up.push(upstream.FrameEvent{Serial: "camera-1", Buffer: []byte{0x00, 0x00, 0x00, 0x01, 0x65, 0x01}})
	require.Eventually(t, func() bool { return s.IsStreamActive() }, time.Second, time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return !s.IsStreamActive() }, time.Second, time.Millisecond)
}

func TestServer_BroadcastsFramesToConnectedClients(t *testing.T) {
	up := &fakeUpstream{}
	s := NewServer(testConfig(t), up, up)
	require.NoError(t, s.Start())
	defer s.Stop() //nolint:errcheck

	conn := dialServer(t, s)
	defer conn.Close()
	require.Eventually(t, func() bool { return s.ActiveConnectionCount() == 1 }, time.Second, time.Millisecond)

	frame := []byte{0x00, 0x00, 0x00, 0x01, 0x65, 0x88, 0x80}
	up.push(upstream.FrameEvent{Serial: "camera-1", Buffer: frame})

	buf := make([]byte, len(frame))
	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, err := io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, frame, buf)
}

func TestServer_DropsInvalidFrame(t *testing.T) {
	up := &fakeUpstream{}
	s := NewServer(testConfig(t), up, up)
	require.NoError(t, s.Start())
	defer s.Stop() //nolint:errcheck

	// Dropping is logged at warn only: no error event, and the frame
	// counters stay untouched.
	var errs []error
	var mu sync.Mutex
	s.OnError(func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	})

	up.push(upstream.FrameEvent{Serial: "camera-1", Buffer: []byte{0xff, 0xff}})

	validFrame := []byte{0x00, 0x00, 0x00, 0x01, 0x65, 0x01}
	up.push(upstream.FrameEvent{Serial: "camera-1", Buffer: validFrame})
	require.Eventually(t, func() bool { return s.Stats().FramesReceived == 1 }, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, errs)
}

func TestServer_MetadataReceivedOnce(t *testing.T) {
	up := &fakeUpstream{}
	s := NewServer(testConfig(t), up, up)
	require.NoError(t, s.Start())
	defer s.Stop() //nolint:errcheck

	var received int
	var mu sync.Mutex
	s.OnMetadataReceived(func(upstream.Metadata) {
		mu.Lock()
		received++
		mu.Unlock()
	})

	frame := []byte{0x00, 0x00, 0x00, 0x01, 0x65}
	meta := &upstream.Metadata{Codec: "h264", FPS: 30, Width: 1920, Height: 1080}
	up.push(upstream.FrameEvent{Serial: "camera-1", Buffer: frame, Metadata: meta})
	up.push(upstream.FrameEvent{Serial: "camera-1", Buffer: frame, Metadata: meta})

	require.Eventually(t, func() bool {
		m, ok := s.VideoMetadata()
		return ok && m.Codec == "h264"
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, received)
}

func TestServer_CaptureSnapshotNoClients(t *testing.T) {
	up := &fakeUpstream{}
	s := NewServer(testConfig(t), up, up)
	require.NoError(t, s.Start())
	defer s.Stop() //nolint:errcheck

	go func() {
		time.Sleep(5 * time.Millisecond)
		up.push(upstream.FrameEvent{Serial: "camera-1", Buffer: []byte{0x00, 0x00, 0x00, 0x01, 0x65, 0x01}})
	}()

	buf, err := s.CaptureSnapshot(time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x00, 0x00, 0x01, 0x65, 0x01}, buf)

	// CaptureSnapshot must drive intended=true on its own even with zero
	// TCP clients connected; it shouldn't need a client to start the
	// upstream livestream.
	up.mu.Lock()
	startCalls := up.startCalls
	up.mu.Unlock()
	assert.Equal(t, 1, startCalls)
}

func TestServer_CaptureSnapshotTimesOut(t *testing.T) {
	up := &fakeUpstream{}
	s := NewServer(testConfig(t), up, up)
	require.NoError(t, s.Start())
	defer s.Stop() //nolint:errcheck

	_, err := s.CaptureSnapshot(20 * time.Millisecond)
	assert.Error(t, err)
}

func TestServer_StatsReflectFrameCounts(t *testing.T) {
	up := &fakeUpstream{}
	s := NewServer(testConfig(t), up, up)
	require.NoError(t, s.Start())
	defer s.Stop() //nolint:errcheck

	frame := []byte{0x00, 0x00, 0x00, 0x01, 0x65, 0x01}
	up.push(upstream.FrameEvent{Serial: "camera-1", Buffer: frame})

	require.Eventually(t, func() bool {
		return s.Stats().FramesReceived == 1
	}, time.Second, time.Millisecond)

	stats := s.Stats()
	assert.Equal(t, uint64(1), stats.KeyframesReceived)
	assert.Equal(t, uint64(len(frame)), stats.BytesStreamed)
	require.NotNil(t, stats.LastFrameTime)

	s.ResetStats()
	reset := s.Stats()
	assert.Equal(t, uint64(0), reset.FramesReceived)
	assert.Nil(t, reset.LastFrameTime)
	assert.Greater(t, reset.Uptime, time.Duration(0))
}

func TestServer_MaxConnectionsEnforced(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxConnections = 1
	up := &fakeUpstream{}
	s := NewServer(cfg, up, up)
	require.NoError(t, s.Start())
	defer s.Stop() //nolint:errcheck

	conn1 := dialServer(t, s)
	defer conn1.Close()
	require.Eventually(t, func() bool { return s.ActiveConnectionCount() == 1 }, time.Second, time.Millisecond)

	conn2 := dialServer(t, s)
	defer conn2.Close()

	buf := make([]byte, 1)
	conn2.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, err := conn2.Read(buf)
	assert.Error(t, err)
	assert.Equal(t, 1, s.ActiveConnectionCount())

	// The rejected connection never registers, so total_connections
	// stays at 1 even though two sockets were dialed.
	assert.Equal(t, uint64(1), s.Stats().TotalConnections)
}

func TestServer_TotalConnectionsSurvivesDisconnect(t *testing.T) {
	up := &fakeUpstream{}
	s := NewServer(testConfig(t), up, up)
	require.NoError(t, s.Start())
	defer s.Stop() //nolint:errcheck

	conn1 := dialServer(t, s)
	require.Eventually(t, func() bool { return s.ActiveConnectionCount() == 1 }, time.Second, time.Millisecond)
	conn1.Close()
	require.Eventually(t, func() bool { return s.ActiveConnectionCount() == 0 }, time.Second, time.Millisecond)

	conn2 := dialServer(t, s)
	defer conn2.Close()
	require.Eventually(t, func() bool { return s.ActiveConnectionCount() == 1 }, time.Second, time.Millisecond)

	assert.Equal(t, uint64(2), s.Stats().TotalConnections)
}
