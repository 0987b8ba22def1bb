package gateway

import (
	"time"

	"github.com/eufylive/stream-gateway/pkg/h264"
)

// serverStats accumulates the counters backing Server.Stats().
type serverStats struct {
	startedAt         time.Time
	framesReceived    uint64
	keyframesReceived uint64
	bytesStreamed     uint64
	lastFrameAt       time.Time
	lastActivityAt    time.Time
}

// ServerStats is a point-in-time snapshot of the gateway's operational
// counters, exposed for the /stats endpoint and direct callers alike.
// Field names mirror spec §3's Server Stats projection.
type ServerStats struct {
	CameraID          string
	StreamActive      bool
	Port              int
	ActiveConnections int
	TotalConnections  uint64
	Connections       []ConnectionInfo
	FramesReceived    uint64
	KeyframesReceived uint64
	BytesStreamed     uint64
	NALTypeCounts     h264.TypeCounts
	Uptime            time.Duration
	LastFrameTime     *time.Time
}

// Stats returns a snapshot of the server's current counters and
// connection list. Every field is an independent copy; mutating the
// result never affects the server.
func (s *Server) Stats() ServerStats {
	s.mu.Lock()
	started := s.stats.startedAt
	frames := s.stats.framesReceived
	keyframes := s.stats.keyframesReceived
	bytes := s.stats.bytesStreamed
	lastFrameAt := s.stats.lastFrameAt
	counts := make(h264.TypeCounts, len(s.typeCounts))
	for k, v := range s.typeCounts {
		counts[k] = v
	}
	s.mu.Unlock()

	var uptime time.Duration
	if !started.IsZero() {
		uptime = time.Since(started)
	}

	var lastFrameTime *time.Time
	if !lastFrameAt.IsZero() {
		t := lastFrameAt
		lastFrameTime = &t
	}

	return ServerStats{
		CameraID:          s.cfg.CameraID,
		StreamActive:      s.IsStreamActive(),
		Port:              s.ListeningPort(),
		ActiveConnections: s.conns.activeCount(),
		TotalConnections:  s.conns.totalCount(),
		Connections:       s.conns.snapshot(),
		FramesReceived:    frames,
		KeyframesReceived: keyframes,
		BytesStreamed:     bytes,
		NALTypeCounts:     counts,
		Uptime:            uptime,
		LastFrameTime:     lastFrameTime,
	}
}

// ResetStats zeroes the frame/byte counters and clears last_frame_time
// without affecting the active connection list, total connection
// count, or stream state.
func (s *Server) ResetStats() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.framesReceived = 0
	s.stats.keyframesReceived = 0
	s.stats.bytesStreamed = 0
	s.stats.lastFrameAt = time.Time{}
	s.typeCounts = nil
}
