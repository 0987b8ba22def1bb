package gateway

import (
	"sync"
	"time"

	"github.com/eufylive/stream-gateway/pkg/upstream"
)

// ConnectionInfo is a point-in-time snapshot copy of a Connection's
// public attributes. It is never aliased to the live connection entry;
// callers get an independent value.
type ConnectionInfo struct {
	ID            string
	RemoteAddress string
	RemotePort    int
	ConnectedAt   time.Time
	BytesWritten  uint64
	IsActive      bool
}

// VideoStreamedEvent accompanies the video_streamed event.
type VideoStreamedEvent struct {
	Data       []byte
	Timestamp  time.Time
	IsKeyframe bool
}

// eventBus fans the façade's published events out to registered
// handlers. Handlers are copied out from under the lock before
// invocation, so a handler is free to register another handler or call
// back into the Server without deadlocking.
type eventBus struct {
	mu sync.RWMutex

	onStarted            []func()
	onStopped            []func()
	onClientConnected    []func(id string, info ConnectionInfo)
	onClientDisconnected []func(id string)
	onVideoStreamed      []func(VideoStreamedEvent)
	onMetadataReceived   []func(upstream.Metadata)
	onStreamError        []func(error)
	onError              []func(error)
}

func newEventBus() *eventBus {
	return &eventBus{}
}

func (b *eventBus) OnStarted(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStarted = append(b.onStarted, fn)
}

func (b *eventBus) OnStopped(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStopped = append(b.onStopped, fn)
}

func (b *eventBus) OnClientConnected(fn func(string, ConnectionInfo)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onClientConnected = append(b.onClientConnected, fn)
}

func (b *eventBus) OnClientDisconnected(fn func(string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onClientDisconnected = append(b.onClientDisconnected, fn)
}

func (b *eventBus) OnVideoStreamed(fn func(VideoStreamedEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onVideoStreamed = append(b.onVideoStreamed, fn)
}

func (b *eventBus) OnMetadataReceived(fn func(upstream.Metadata)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onMetadataReceived = append(b.onMetadataReceived, fn)
}

func (b *eventBus) OnStreamError(fn func(error)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStreamError = append(b.onStreamError, fn)
}

func (b *eventBus) OnError(fn func(error)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onError = append(b.onError, fn)
}

func (b *eventBus) emitStarted() {
	b.mu.RLock()
	handlers := append([]func(){}, b.onStarted...)
	b.mu.RUnlock()
	for _, h := range handlers {
		h()
	}
}

func (b *eventBus) emitStopped() {
	b.mu.RLock()
	handlers := append([]func(){}, b.onStopped...)
	b.mu.RUnlock()
	for _, h := range handlers {
		h()
	}
}

func (b *eventBus) emitClientConnected(id string, info ConnectionInfo) {
	b.mu.RLock()
	handlers := append([]func(string, ConnectionInfo){}, b.onClientConnected...)
	b.mu.RUnlock()
	for _, h := range handlers {
		h(id, info)
	}
}

func (b *eventBus) emitClientDisconnected(id string) {
	b.mu.RLock()
	handlers := append([]func(string){}, b.onClientDisconnected...)
	b.mu.RUnlock()
	for _, h := range handlers {
		h(id)
	}
}

func (b *eventBus) emitVideoStreamed(ev VideoStreamedEvent) {
	b.mu.RLock()
	handlers := append([]func(VideoStreamedEvent){}, b.onVideoStreamed...)
	b.mu.RUnlock()
	for _, h := range handlers {
		h(ev)
	}
}

func (b *eventBus) emitMetadataReceived(m upstream.Metadata) {
	b.mu.RLock()
	handlers := append([]func(upstream.Metadata){}, b.onMetadataReceived...)
	b.mu.RUnlock()
	for _, h := range handlers {
		h(m)
	}
}

func (b *eventBus) emitStreamError(err error) {
	b.mu.RLock()
	handlers := append([]func(error){}, b.onStreamError...)
	b.mu.RUnlock()
	for _, h := range handlers {
		h(err)
	}
}

func (b *eventBus) emitError(err error) {
	b.mu.RLock()
	handlers := append([]func(error){}, b.onError...)
	b.mu.RUnlock()
	for _, h := range handlers {
		h(err)
	}
}
