// Package gateway implements the camera streaming gateway: it accepts
// TCP clients, starts and stops the upstream livestream in lockstep
// with client demand, and fans out parsed H.264 frames to everyone
// connected.
package gateway

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/panics"

	"github.com/eufylive/stream-gateway/pkg/h264"
	"github.com/eufylive/stream-gateway/pkg/upstream"
)

// statsLogInterval controls how often Server logs a human-readable
// throughput summary at Info level.
const statsLogInterval = 5 * time.Minute

// idleCheckInterval is how often the idle-shutdown fallback check in
// spec §4.3 runs: "a 5-second periodic check compares now -
// last_activity_at to a 30-second threshold".
const idleCheckInterval = 5 * time.Second

// Metadata is re-exported so callers of Server don't need to import
// pkg/upstream directly for the video_metadata shape.
type Metadata = upstream.Metadata

// Server is the stream gateway façade described in spec §4.4: the
// single entry point wiring the H.264 parser, connection manager, and
// lifecycle controller together behind one camera's worth of upstream
// commands and events.
type Server struct {
	cfg      Config
	commands upstream.Commands
	events   upstream.EventSubscriber

	conns     *connectionManager
	lifecycle *lifecycleController
	bus       *eventBus

	mu          sync.Mutex
	running     bool
	listener    net.Listener
	unsubscribe upstream.Unsubscribe
	metadata    *upstream.Metadata
	metadataWg  []chan upstream.Metadata
	typeCounts  h264.TypeCounts

	frameMu sync.Mutex

	stats        serverStats
	stopStatsLog chan struct{}
	stopIdleLoop chan struct{}
}

// NewServer constructs a Server for a single camera. commands and
// events are the gateway's only dependency on the out-of-scope upstream
// WebSocket driver.
func NewServer(cfg Config, commands upstream.Commands, events upstream.EventSubscriber) *Server {
	cfg = cfg.withDefaults()
	s := &Server{
		cfg:      cfg,
		commands: commands,
		events:   events,
		bus:      newEventBus(),
	}
	s.conns = newConnectionManager(cfg.MaxConnections, cfg.IdleTimeout, s.handleClientConnected, s.handleClientDisconnected)
	s.lifecycle = newLifecycleController(
		cfg.CameraID,
		commands,
		cfg.StartRetryCount,
		cfg.StartRetryDelay,
		cfg.PostStartGrace,
		s.handleStarted,
		s.handleStopped,
		s.handleStreamError,
	)
	return s
}

// Start binds the listener, subscribes to upstream frame events, and
// begins accepting clients. It does not itself start the livestream:
// that happens once the first client connects, per the lifecycle
// controller's intended/actual reconciliation.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("gateway: server already running")
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.BindHost, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("gateway: listen on %s: %w", addr, err)
	}
	s.listener = ln
	s.running = true
	s.stats.startedAt = time.Now()
	s.mu.Unlock()

	unsubscribe, err := s.events.SubscribeVideoData(s.cfg.CameraID, s.handleFrame)
	if err != nil {
		ln.Close() //nolint:errcheck
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("gateway: subscribe to video data: %w", err)
	}
	s.mu.Lock()
	s.unsubscribe = unsubscribe
	s.mu.Unlock()

	go s.acceptLoop(ln)

	s.stopStatsLog = make(chan struct{})
	go s.statsLogLoop(s.stopStatsLog)

	s.stopIdleLoop = make(chan struct{})
	go s.idleCheckLoop(s.stopIdleLoop)

	log.Info().
		Str("camera_id", s.cfg.CameraID).
		Str("bind_addr", addr).
		Msg("stream gateway listening")
	return nil
}

// acceptLoop runs under a panics.Catcher so a bug in accept handling
// surfaces as an error event instead of taking the whole process down.
func (s *Server) acceptLoop(ln net.Listener) {
	var pc panics.Catcher
	pc.Try(func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			s.conns.accept(conn)
		}
	})
	if r := pc.Recovered(); r != nil {
		s.bus.emitError(fmt.Errorf("gateway: accept loop panicked: %w", r.AsError()))
	}
}

// statsLogLoop periodically logs a human-readable throughput summary
// until stop is closed.
func (s *Server) statsLogLoop(stop chan struct{}) {
	var pc panics.Catcher
	pc.Try(func() {
		ticker := time.NewTicker(statsLogInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				stats := s.Stats()
				log.Info().
					Str("camera_id", s.cfg.CameraID).
					Int("active_connections", stats.ActiveConnections).
					Str("bytes_streamed", humanize.Bytes(stats.BytesStreamed)).
					Str("uptime", humanize.RelTime(time.Now().Add(-stats.Uptime), time.Now(), "", "")).
					Uint64("frames_received", stats.FramesReceived).
					Msg("stream gateway stats")
			}
		}
	})
	if r := pc.Recovered(); r != nil {
		s.bus.emitError(fmt.Errorf("gateway: stats log loop panicked: %w", r.AsError()))
	}
}

// idleCheckLoop is the fallback idle-shutdown check from spec §4.3: if
// activity was observed, no client is registered any more, and the idle
// threshold has elapsed since the last delivered frame, it re-derives
// intended from "no clients". That stops the stream unless a snapshot
// request is still pending. Clients that are registered but stalled are
// not covered: any registered client skips the check.
func (s *Server) idleCheckLoop(stop chan struct{}) {
	var pc panics.Catcher
	pc.Try(func() {
		ticker := time.NewTicker(idleCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.mu.Lock()
				lastActivityAt := s.stats.lastActivityAt
				s.mu.Unlock()
				if lastActivityAt.IsZero() || s.conns.activeCount() > 0 {
					continue
				}
				if time.Since(lastActivityAt) >= s.cfg.IdleTimeout {
					s.lifecycle.recomputeIntended(false)
				}
			}
		}
	})
	if r := pc.Recovered(); r != nil {
		s.bus.emitError(fmt.Errorf("gateway: idle check loop panicked: %w", r.AsError()))
	}
}

// Stop stops accepting new clients, disconnects every connected client,
// unsubscribes from upstream video data, and (if the livestream is
// running) stops it.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("gateway: server not running")
	}
	s.running = false
	ln := s.listener
	unsubscribe := s.unsubscribe
	stopStatsLog := s.stopStatsLog
	stopIdleLoop := s.stopIdleLoop
	s.mu.Unlock()

	if stopStatsLog != nil {
		close(stopStatsLog)
	}
	if stopIdleLoop != nil {
		close(stopIdleLoop)
	}
	if ln != nil {
		ln.Close() //nolint:errcheck
	}
	if unsubscribe != nil {
		unsubscribe()
	}

	s.conns.closeAll()
	s.lifecycle.forceTeardown(fmt.Errorf("gateway: server stopped"))
	s.lifecycle.shutdown()

	log.Info().Str("camera_id", s.cfg.CameraID).Msg("stream gateway stopped listening")
	return nil
}

// handleClientConnected is the connectionManager callback invoked when
// a client is accepted.
func (s *Server) handleClientConnected(id string, info ConnectionInfo) {
	log.Info().Str("camera_id", s.cfg.CameraID).Str("conn_id", id).Str("remote", info.RemoteAddress).Msg("client connected")
	s.bus.emitClientConnected(id, info)
	s.lifecycle.recomputeIntended(s.conns.activeCount() > 0)
}

// handleClientDisconnected is the connectionManager callback invoked
// when a client disconnects or is evicted.
func (s *Server) handleClientDisconnected(id string) {
	log.Info().Str("camera_id", s.cfg.CameraID).Str("conn_id", id).Msg("client disconnected")
	s.bus.emitClientDisconnected(id)
	s.lifecycle.recomputeIntended(s.conns.activeCount() > 0)
}

func (s *Server) handleStarted() {
	s.bus.emitStarted()
}

func (s *Server) handleStopped() {
	s.bus.emitStopped()
}

func (s *Server) handleStreamError(err error) {
	log.Error().Err(err).Str("camera_id", s.cfg.CameraID).Msg("stream error")
	s.bus.emitStreamError(err)
}

// handleFrame is the upstream.FrameHandler passed to SubscribeVideoData.
// It is serialized behind frameMu: the driver's callback-invocation
// goroutine is outside this package's control, so a mutex guarantees
// in-order, non-overlapping processing even if the driver ever invokes
// it concurrently.
func (s *Server) handleFrame(ev upstream.FrameEvent) {
	s.frameMu.Lock()
	defer s.frameMu.Unlock()

	if !h264.Validate(ev.Buffer) {
		log.Warn().Str("camera_id", ev.Serial).Msg("dropped frame with no valid NAL start code")
		return
	}

	s.lifecycle.onFrameReceived()

	if ev.Metadata != nil {
		s.mu.Lock()
		if s.metadata == nil {
			s.metadata = ev.Metadata
			waiters := s.metadataWg
			s.metadataWg = nil
			s.mu.Unlock()
			for _, ch := range waiters {
				ch <- *ev.Metadata
				close(ch)
			}
			s.bus.emitMetadataReceived(*ev.Metadata)
		} else {
			s.mu.Unlock()
		}
	}

	isKeyframe := h264.IsKeyframe(ev.Buffer)

	s.mu.Lock()
	s.typeCounts = h264.CountTypes(s.typeCounts, ev.Buffer)
	s.stats.framesReceived++
	if isKeyframe {
		s.stats.keyframesReceived++
	}
	s.stats.bytesStreamed += uint64(len(ev.Buffer))
	s.stats.lastFrameAt = time.Now()
	s.mu.Unlock()

	if isKeyframe {
		s.lifecycle.DrainResolversOnKeyframe(ev.Buffer)
	}

	if s.conns.broadcast(ev.Buffer) {
		s.mu.Lock()
		s.stats.lastActivityAt = time.Now()
		s.mu.Unlock()
	}
	s.bus.emitVideoStreamed(VideoStreamedEvent{
		Data:       ev.Buffer,
		Timestamp:  time.Now(),
		IsKeyframe: isKeyframe,
	})
}

// CaptureSnapshot waits up to timeout for the next keyframe and returns
// its raw buffer.
func (s *Server) CaptureSnapshot(timeout time.Duration) ([]byte, error) {
	result := s.lifecycle.captureSnapshot(timeout)
	res := <-result
	return res.buf, res.err
}

// VideoMetadata returns the stream's metadata if it has been observed
// yet, and whether it has.
func (s *Server) VideoMetadata() (upstream.Metadata, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.metadata == nil {
		return upstream.Metadata{}, false
	}
	return *s.metadata, true
}

// AwaitMetadata blocks until video metadata arrives or timeout elapses.
func (s *Server) AwaitMetadata(timeout time.Duration) (upstream.Metadata, error) {
	s.mu.Lock()
	if s.metadata != nil {
		m := *s.metadata
		s.mu.Unlock()
		return m, nil
	}
	ch := make(chan upstream.Metadata, 1)
	s.metadataWg = append(s.metadataWg, ch)
	s.mu.Unlock()

	select {
	case m := <-ch:
		return m, nil
	case <-time.After(timeout):
		return upstream.Metadata{}, fmt.Errorf("gateway: timed out waiting for video metadata")
	}
}

// ActiveConnectionCount reports the number of currently connected
// clients.
func (s *Server) ActiveConnectionCount() int {
	return s.conns.activeCount()
}

// IsRunning reports whether the server has been started (and not yet
// stopped).
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// ListeningPort returns the TCP port the server is bound to, or 0 if
// not started.
func (s *Server) ListeningPort() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return 0
	}
	if tcpAddr, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return tcpAddr.Port
	}
	return 0
}

// IsStreamActive reports the lifecycle controller's confirmed running
// state.
func (s *Server) IsStreamActive() bool {
	return s.lifecycle.isActual()
}

// OnStarted, OnStopped, OnClientConnected, OnClientDisconnected,
// OnVideoStreamed, OnMetadataReceived, OnStreamError, and OnError
// register callbacks for the façade's published events.
func (s *Server) OnStarted(fn func())                               { s.bus.OnStarted(fn) }
func (s *Server) OnStopped(fn func())                               { s.bus.OnStopped(fn) }
func (s *Server) OnClientConnected(fn func(string, ConnectionInfo)) { s.bus.OnClientConnected(fn) }
func (s *Server) OnClientDisconnected(fn func(string))              { s.bus.OnClientDisconnected(fn) }
func (s *Server) OnVideoStreamed(fn func(VideoStreamedEvent))       { s.bus.OnVideoStreamed(fn) }
func (s *Server) OnMetadataReceived(fn func(upstream.Metadata))     { s.bus.OnMetadataReceived(fn) }
func (s *Server) OnStreamError(fn func(error))                      { s.bus.OnStreamError(fn) }
func (s *Server) OnError(fn func(error))                            { s.bus.OnError(fn) }
