package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/panics"

	"github.com/eufylive/stream-gateway/pkg/upstream"
)

// snapshotRequest is one pending CaptureSnapshot call, resolved by the
// next keyframe to arrive (or expired once its deadline passes). id is
// a correlation UUID, used only so concurrent capture_snapshot callers
// can be told apart in logs; FIFO resolution order is tracked by
// queue position, not by id.
type snapshotRequest struct {
	id       string
	deadline time.Time
	result   chan snapshotResult
}

type snapshotResult struct {
	buf []byte
	err error
}

// lifecycleController owns the intended/actual/in_flight state machine
// described in spec §4.3: it starts the upstream livestream once the
// first client connects, stops it once the last one disconnects, and
// retries transient command failures with a fixed backoff.
//
// Unlike a single serializing actor channel, each lifecycleController
// runs its own background worker goroutine so that a retry backoff
// sleep for this camera never stalls event processing for anything
// else sharing the process.
type lifecycleController struct {
	cameraID        string
	commands        upstream.Commands
	startRetryCount uint
	startRetryDelay time.Duration
	postStartGrace  time.Duration

	onStarted     func()
	onStopped     func()
	onStreamError func(error)

	mu          sync.Mutex
	clientsWant bool // most recent recomputeIntended(hasClients) input
	intended    bool // clientsWant || len(resolvers) > 0
	actual      bool
	inFlight    bool
	wake        chan struct{}
	stopWorker  chan struct{}
	workerDone  chan struct{}
	graceTimer  *time.Timer
	resolvers   []*snapshotRequest
	lastFrameAt time.Time
}

func newLifecycleController(cameraID string, commands upstream.Commands, startRetryCount uint, startRetryDelay, postStartGrace time.Duration, onStarted, onStopped func(), onStreamError func(error)) *lifecycleController {
	l := &lifecycleController{
		cameraID:        cameraID,
		commands:        commands,
		startRetryCount: startRetryCount,
		startRetryDelay: startRetryDelay,
		postStartGrace:  postStartGrace,
		onStarted:       onStarted,
		onStopped:       onStopped,
		onStreamError:   onStreamError,
		wake:            make(chan struct{}, 1),
		stopWorker:      make(chan struct{}),
		workerDone:      make(chan struct{}),
	}
	go l.worker()
	return l
}

// recomputeIntended updates the desired state from the current client
// count and wakes the worker to reconcile it. A snapshot resolver can
// still hold intended true even once the last client disconnects.
func (l *lifecycleController) recomputeIntended(hasClients bool) {
	l.mu.Lock()
	l.clientsWant = hasClients
	changed := l.updateIntendedLocked()
	l.mu.Unlock()
	if changed {
		l.trigger()
	}
}

// updateIntendedLocked recomputes intended from clientsWant and the
// pending-resolver count; caller must hold mu. Returns whether intended
// changed.
func (l *lifecycleController) updateIntendedLocked() bool {
	want := l.clientsWant || len(l.resolvers) > 0
	changed := l.intended != want
	l.intended = want
	return changed
}

// forceTeardown cancels every pending snapshot resolver with err and
// forces intended to false regardless of client count or outstanding
// resolvers, for use during Server.Stop().
func (l *lifecycleController) forceTeardown(err error) {
	l.mu.Lock()
	l.clientsWant = false
	pending := l.resolvers
	l.resolvers = nil
	l.intended = false
	l.mu.Unlock()

	l.trigger()
	for _, req := range pending {
		req.result <- snapshotResult{err: err}
	}
}

func (l *lifecycleController) trigger() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// shutdown stops the worker goroutine once it has reconciled any
// remaining intended/actual mismatch (see drainPending), so a final stop
// command is issued if intended is false while actual is still true,
// then fails every still-pending snapshot request.
func (l *lifecycleController) shutdown() {
	close(l.stopWorker)
	<-l.workerDone
	l.CancelAllResolvers(fmt.Errorf("gateway: server stopped"))
}

// worker runs the reconcile loop under a panics.Catcher: a bug in
// runOnce surfaces as a stream_error event instead of leaving the
// controller's start/stop reconciliation permanently stuck.
func (l *lifecycleController) worker() {
	defer close(l.workerDone)
	var pc panics.Catcher
	pc.Try(func() {
		for {
			select {
			case <-l.stopWorker:
				// select doesn't guarantee wake is drained first even
				// though forceTeardown was called before stopWorker
				// was closed, so reconcile any pending
				// intended/actual mismatch here before exiting.
				l.drainPending()
				return
			case <-l.wake:
				l.runOnce()
			}
		}
	})
	if r := pc.Recovered(); r != nil && l.onStreamError != nil {
		l.onStreamError(fmt.Errorf("gateway: lifecycle worker panicked: %w", r.AsError()))
	}
}

// drainPending keeps reconciling until intended and actual agree,
// guaranteeing a final stop command is attempted even if the worker's
// select observed stopWorker before it observed the wake that
// Server.Stop's forceTeardown sent.
func (l *lifecycleController) drainPending() {
	for {
		l.mu.Lock()
		done := l.intended == l.actual
		l.mu.Unlock()
		if done {
			return
		}
		l.runOnce()
	}
}

// runOnce reconciles actual against intended at most once. If intended
// changes again mid-reconciliation, the triggering recomputeIntended
// call already queued another wake, so the loop revisits it.
func (l *lifecycleController) runOnce() {
	l.mu.Lock()
	if l.inFlight {
		l.mu.Unlock()
		return
	}
	intended, actual := l.intended, l.actual
	if intended == actual {
		l.mu.Unlock()
		return
	}
	l.inFlight = true
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.inFlight = false
		l.mu.Unlock()
		l.trigger()
	}()

	if intended {
		l.attemptStart()
	} else {
		l.attemptStop()
	}
}

func (l *lifecycleController) attemptStart() {
	l.mu.Lock()
	l.lastFrameAt = time.Time{}
	l.mu.Unlock()

	ctx := context.Background()
	err := retry.Do(func() error {
		return l.commands.StartLivestream(ctx, l.cameraID)
	},
		retry.Attempts(l.startRetryCount),
		retry.Delay(l.startRetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.OnRetry(func(n uint, err error) {
			log.Warn().
				Err(err).
				Str("camera_id", l.cameraID).
				Uint("attempt", n+1).
				Msg("start_livestream failed, retrying")
		}),
	)

	l.mu.Lock()
	if err != nil {
		// Retries exhausted: force intended back to false so the
		// state machine returns to Idle (intended==actual==false)
		// instead of spinning forever in Starting.
		l.intended = false
		l.mu.Unlock()
		if l.onStreamError != nil {
			errID := uuid.NewString()
			log.Error().Err(err).Str("camera_id", l.cameraID).Str("error_id", errID).Msg("start_livestream permanently failed")
			l.onStreamError(fmt.Errorf("gateway: start_livestream permanently failed for %s (error_id %s): %w", l.cameraID, errID, err))
		}
		return
	}
	l.mu.Unlock()

	// actual only flips true from onFrameReceived, on the first frame
	// observed since this start: the command succeeding just means the
	// camera accepted the request, not that it's actually streaming.
	l.armPostStartGrace()
}

func (l *lifecycleController) attemptStop() {
	ctx := context.Background()
	err := retry.Do(func() error {
		return l.commands.StopLivestream(ctx, l.cameraID)
	},
		retry.Attempts(l.startRetryCount),
		retry.Delay(l.startRetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.RetryIf(func(err error) bool {
			return !upstream.IsBenignStopError(err)
		}),
		retry.OnRetry(func(n uint, err error) {
			log.Warn().
				Err(err).
				Str("camera_id", l.cameraID).
				Uint("attempt", n+1).
				Msg("stop_livestream failed, retrying")
		}),
	)

	l.cancelPostStartGrace()

	if err == nil || upstream.IsBenignStopError(err) {
		l.mu.Lock()
		l.actual = false
		l.mu.Unlock()
		l.CancelAllResolvers(fmt.Errorf("gateway: stream stopped for %s", l.cameraID))
		if l.onStopped != nil {
			l.onStopped()
		}
		return
	}

	// Retries exhausted on a non-benign error: leave actual=true, the
	// camera is presumably still streaming upstream even though we
	// couldn't confirm the stop.
	if l.onStreamError != nil {
		errID := uuid.NewString()
		log.Error().Err(err).Str("camera_id", l.cameraID).Str("error_id", errID).Msg("stop_livestream permanently failed")
		l.onStreamError(fmt.Errorf("gateway: stop_livestream permanently failed for %s (error_id %s): %w", l.cameraID, errID, err))
	}
}

// armPostStartGrace starts the post-start timer: if no frame has
// arrived (actual is still false) by the time it fires, the camera
// accepted start_livestream but never actually streamed, so reconcile
// is re-entered to retry the start rather than leaving the controller
// wedged in intended=true, actual=false.
func (l *lifecycleController) armPostStartGrace() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.graceTimer != nil {
		l.graceTimer.Stop()
	}
	l.graceTimer = time.AfterFunc(l.postStartGrace, func() {
		l.mu.Lock()
		stillWaiting := l.intended && !l.actual
		l.mu.Unlock()
		if stillWaiting {
			l.trigger()
		}
	})
}

func (l *lifecycleController) cancelPostStartGrace() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.graceTimer != nil {
		l.graceTimer.Stop()
		l.graceTimer = nil
	}
}

// onFrameReceived records that a frame arrived and, on the first frame
// since the most recent start, flips actual true and fires onStarted.
// actual never flips on start_livestream command success alone: the
// camera can accept the command and still never actually stream.
func (l *lifecycleController) onFrameReceived() {
	l.mu.Lock()
	l.lastFrameAt = time.Now()
	firstFrame := !l.actual
	if firstFrame {
		l.actual = true
	}
	l.mu.Unlock()

	if !firstFrame {
		return
	}
	l.cancelPostStartGrace()
	if l.onStarted != nil {
		l.onStarted()
	}
}

// captureSnapshot registers a new snapshot request and returns a
// channel that receives the first keyframe seen within timeout, or an
// error if none arrives in time.
func (l *lifecycleController) captureSnapshot(timeout time.Duration) <-chan snapshotResult {
	req := &snapshotRequest{
		id:       uuid.NewString(),
		deadline: time.Now().Add(timeout),
		result:   make(chan snapshotResult, 1),
	}
	l.mu.Lock()
	l.resolvers = append(l.resolvers, req)
	changed := l.updateIntendedLocked()
	l.mu.Unlock()
	if changed {
		l.trigger()
	}

	log.Debug().Str("camera_id", l.cameraID).Str("request_id", req.id).Msg("snapshot requested")

	go func() {
		<-time.After(timeout)
		l.expireSnapshot(req.id)
	}()

	return req.result
}

// resolveAllSnapshots satisfies every still-pending resolver from the
// same frame: spec §4.3 requires that concurrent resolvers appended
// before a keyframe arrives all resolve from that one keyframe, not
// just the oldest of them.
func (l *lifecycleController) resolveAllSnapshots(buf []byte, err error) {
	l.mu.Lock()
	pending := l.resolvers
	l.resolvers = nil
	changed := l.updateIntendedLocked()
	l.mu.Unlock()
	if changed {
		l.trigger()
	}

	for _, req := range pending {
		if err != nil {
			req.result <- snapshotResult{err: err}
			continue
		}
		owned := make([]byte, len(buf))
		copy(owned, buf)
		req.result <- snapshotResult{buf: owned}
	}
}

func (l *lifecycleController) expireSnapshot(id string) {
	l.mu.Lock()
	idx := -1
	for i, r := range l.resolvers {
		if r.id == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		l.mu.Unlock()
		return
	}
	req := l.resolvers[idx]
	l.resolvers = append(l.resolvers[:idx], l.resolvers[idx+1:]...)
	changed := l.updateIntendedLocked()
	l.mu.Unlock()
	if changed {
		l.trigger()
	}

	req.result <- snapshotResult{err: fmt.Errorf("gateway: snapshot timed out waiting for keyframe")}
}

// DrainResolversOnKeyframe is the exported hook server.go calls from
// handleFrame once NAL parsing has determined a buffer is a keyframe. It
// satisfies every resolver queued before this keyframe arrived.
func (l *lifecycleController) DrainResolversOnKeyframe(buf []byte) {
	l.resolveAllSnapshots(buf, nil)
}

// CancelAllResolvers fails every still-pending snapshot request with
// err, e.g. when the stream stops or the server shuts down.
func (l *lifecycleController) CancelAllResolvers(err error) {
	l.mu.Lock()
	pending := l.resolvers
	l.resolvers = nil
	l.mu.Unlock()

	for _, req := range pending {
		req.result <- snapshotResult{err: err}
	}
}

// isActual reports the controller's confirmed running state.
func (l *lifecycleController) isActual() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.actual
}
