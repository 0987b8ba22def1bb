// Package upstream declares the boundary between the stream gateway core
// and the WebSocket-based camera driver it sits behind. The driver
// itself — command issuance, reconnection, CAPTCHA/MFA, device
// discovery — is a third-party collaborator and out of scope here; this
// package defines only the narrow interface the gateway consumes from
// it and the tagged record the subscription boundary normalizes
// payloads into.
package upstream

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
)

// Metadata is the set-once video metadata captured from the first
// upstream event that carries a metadata side-channel.
type Metadata struct {
	Codec  string
	FPS    int
	Width  int
	Height int
}

// FrameEvent is the tagged record the subscription boundary normalizes
// every livestream_video_data event into, regardless of whether the
// driver delivered the payload as a raw byte array or as a base64
// string in a JSON envelope (see DecodeFrameEvent).
type FrameEvent struct {
	Serial   string
	Buffer   []byte
	Metadata *Metadata
}

// RawFrameEvent is the untyped shape a JSON-speaking driver delivers on
// the wire: Buffer may be a []byte (from a binary-capable transport) or
// a base64-encoded string (from a JSON envelope). DecodeFrameEvent
// normalizes either into a FrameEvent with an owned []byte buffer.
type RawFrameEvent struct {
	Serial   string
	Buffer   any
	Metadata *Metadata
}

// DecodeFrameEvent normalizes a RawFrameEvent into a FrameEvent,
// rejecting any payload that doesn't match the expected shape.
func DecodeFrameEvent(raw RawFrameEvent) (FrameEvent, error) {
	if raw.Serial == "" {
		return FrameEvent{}, fmt.Errorf("upstream: frame event missing serial")
	}

	switch v := raw.Buffer.(type) {
	case []byte:
		buf := make([]byte, len(v))
		copy(buf, v)
		return FrameEvent{Serial: raw.Serial, Buffer: buf, Metadata: raw.Metadata}, nil
	case string:
		buf, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return FrameEvent{}, fmt.Errorf("upstream: decode base64 frame payload: %w", err)
		}
		return FrameEvent{Serial: raw.Serial, Buffer: buf, Metadata: raw.Metadata}, nil
	default:
		return FrameEvent{}, fmt.Errorf("upstream: unsupported frame payload type %T", raw.Buffer)
	}
}

// Commands is the subset of the upstream WebSocket command interface
// the gateway core consumes: starting and stopping a single camera's
// livestream. Both calls take a ctx; the lifecycle controller passes
// context.Background(), so it never cancels a call in flight, and each
// call lasts until the implementation returns.
type Commands interface {
	StartLivestream(ctx context.Context, serial string) error
	StopLivestream(ctx context.Context, serial string) error
}

// Unsubscribe stops further callback delivery for a subscription
// created by EventSubscriber.SubscribeVideoData. It is safe to call
// more than once.
type Unsubscribe func()

// FrameHandler receives one livestream_video_data event. The driver
// invokes it at most once per frame.
type FrameHandler func(FrameEvent)

// EventSubscriber delivers livestream_video_data events for a given
// camera serial, filtered at the source.
type EventSubscriber interface {
	SubscribeVideoData(serial string, handler FrameHandler) (Unsubscribe, error)
}

// benignStopSubstrings are the vendor's textual idempotency signals for
// "stop_livestream on an already-stopped stream". The vendor reports
// this as a plain error string rather than a structured code, so
// matching is done against a lower-cased substring. Spec §4.3 quotes
// "livestream not running"; §6 quotes "livestream_not_running" — both
// forms are listed explicitly below, along with the bare "not running",
// rather than relying on any further normalization to unify them.
var benignStopSubstrings = []string{
	"livestream not running",
	"livestream_not_running",
	"not running",
}

// IsBenignStopError reports whether err is the vendor's idempotency
// signal for stopping a stream that isn't running. A nil error is not
// benign (it's simply success, handled separately by the caller).
func IsBenignStopError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range benignStopSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
