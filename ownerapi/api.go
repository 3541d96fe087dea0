// Package ownerapi is the facade an owning page/process drives: one
// stream per owner, opened/paused/resumed/sought/quality-locked/closed
// through a handful of synchronous calls, with every state change fanned
// out to an EventSink for observability.
//
// Grounded in the teacher's handlers/stream_manager.go: a small
// interface-plus-default-struct facade that wires together the
// lower-level components (there: load balancer + stream instance +
// registry; here: FetchPipeline + BandwidthEstimator + ABRController +
// SegmentStore + AppendQueue + StreamSession + SessionRegistry) behind
// one entrypoint a caller can depend on without seeing the wiring.
package ownerapi

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"stream-engine/abr"
	"stream-engine/appendqueue"
	"stream-engine/bandwidth"
	"stream-engine/config"
	"stream-engine/fetch"
	"stream-engine/logger"
	"stream-engine/registry"
	"stream-engine/segstore"
	"stream-engine/session"

	"github.com/google/uuid"
)

var ErrNoActiveSession = errors.New("ownerapi: no active session for owner")

// Sink is everything a caller's consumer (player / source buffer) must
// implement to receive a session's output.
type Sink interface {
	appendqueue.Sink
	session.Sink
}

// API is the owner-facing facade. One API instance typically backs an
// entire process; each Open call is scoped to one owner_id.
type API struct {
	reg    *registry.Registry
	proxy  fetch.RequestProxy
	cfg    *config.Config
	events EventSink
	logger logger.Logger

	watchersMu sync.Mutex
	watchers   map[string]context.CancelFunc
}

func New(reg *registry.Registry, proxy fetch.RequestProxy, cfg *config.Config, events EventSink, log logger.Logger) *API {
	if events == nil {
		events = DiscardSink{}
	}
	if log == nil {
		log = logger.NoopLogger{}
	}
	return &API{
		reg:      reg,
		proxy:    proxy,
		cfg:      cfg,
		events:   events,
		logger:   log.With("ownerapi"),
		watchers: make(map[string]context.CancelFunc),
	}
}

// Open resolves manifestURL under ownerID's exclusive session slot and
// begins playback. It is a no-op error (ErrOwnerHasSession from the
// registry) if the owner already has an active session.
func (a *API) Open(ctx context.Context, ownerID, manifestURL string, sink Sink) (*session.Session, error) {
	est := bandwidth.New()
	pipeline := fetch.New(a.proxy, a.cfg.Fetch, fetch.WithLogger(a.logger), fetch.WithReporter(est))
	abrCtl := abr.New(est, a.cfg.ABR)

	id := uuid.NewString()
	storePath := filepath.Join(a.cfg.SegstoreDir, id+".cache")
	store, err := segstore.Open(storePath, a.cfg.MaxBufferBytes, a.cfg.SlotBytes)
	if err != nil {
		return nil, fmt.Errorf("ownerapi: open segstore: %w", err)
	}

	queueCtx, cancel := context.WithCancel(ctx)
	queue := appendqueue.New(queueCtx, sink, []appendqueue.Kind{appendqueue.Combined}, a.logger)

	sess := session.New(id, ownerID, manifestURL, session.Deps{
		Proxy:              a.proxy,
		Pipeline:           pipeline,
		Estimator:          est,
		ABR:                abrCtl,
		Store:              store,
		Queue:              queue,
		Sink:               sink,
		Logger:             a.logger,
		ThroughputFloorBPS: a.cfg.WatchdogFloorBPS,
		ThroughputWindow:   a.cfg.WatchdogWindow,
	})

	if err := a.reg.Create(ownerID, sess, manifestURL); err != nil {
		cancel()
		queue.Close()
		store.Close()
		return nil, err
	}

	sess.Start(ctx)
	a.events.Publish(Event{Type: EventStateChanged, SessionID: id, OwnerID: ownerID, Payload: session.Resolving.String()})
	a.watch(queueCtx, ownerID, id, sess, cancel)
	return sess, nil
}

// Pause suspends the owner's download loop.
func (a *API) Pause(ownerID string) error {
	sess, ok := a.reg.Get(ownerID)
	if !ok {
		return ErrNoActiveSession
	}
	sess.Pause()
	return nil
}

// Resume releases a paused session.
func (a *API) Resume(ownerID string) error {
	sess, ok := a.reg.Get(ownerID)
	if !ok {
		return ErrNoActiveSession
	}
	sess.Resume()
	return nil
}

// Seek repositions playback to tSeconds.
func (a *API) Seek(ownerID string, tSeconds float64) error {
	sess, ok := a.reg.Get(ownerID)
	if !ok {
		return ErrNoActiveSession
	}
	sess.Seek(tSeconds)
	return nil
}

// SetQuality pins ABR to a specific variant index.
func (a *API) SetQuality(ctx context.Context, ownerID string, variantIx int) error {
	sess, ok := a.reg.Get(ownerID)
	if !ok {
		return ErrNoActiveSession
	}
	return sess.SetQuality(ctx, variantIx)
}

// ClearQuality returns ABR to automatic variant selection.
func (a *API) ClearQuality(ownerID string) error {
	sess, ok := a.reg.Get(ownerID)
	if !ok {
		return ErrNoActiveSession
	}
	sess.ClearQualityLock()
	return nil
}

// Close tears down the owner's session and stops its event watcher.
func (a *API) Close(ownerID string) {
	sess, ok := a.reg.Get(ownerID)
	if ok {
		a.watchersMu.Lock()
		if cancel, ok := a.watchers[sess.ID]; ok {
			cancel()
			delete(a.watchers, sess.ID)
		}
		a.watchersMu.Unlock()
	}
	a.reg.Remove(ownerID)
}

func (a *API) watch(ctx context.Context, ownerID, sessionID string, sess *session.Session, cancel context.CancelFunc) {
	a.watchersMu.Lock()
	a.watchers[sessionID] = cancel
	a.watchersMu.Unlock()
	go a.watchLoop(ctx, ownerID, sessionID, sess)
}

// watchLoop polls session state/stats at a fixed cadence and fans
// changes out through the EventSink. Polling (rather than a callback
// hook on Session) keeps Session's public surface free of an
// observer-registration contract it doesn't otherwise need.
func (a *API) watchLoop(ctx context.Context, ownerID, sessionID string, sess *session.Session) {
	var lastState session.State = -1
	qualitiesSent := false
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case w, ok := <-sess.Warnings():
			if ok {
				a.events.Publish(Event{Type: EventError, SessionID: sessionID, OwnerID: ownerID, Payload: ErrorPayload{
					Kind:        w.Kind,
					Message:     w.Message,
					Recoverable: true,
				}})
			}
			continue
		case <-ticker.C:
		}

		state := sess.State()
		if state != lastState {
			a.events.Publish(Event{Type: EventStateChanged, SessionID: sessionID, OwnerID: ownerID, Payload: state.String()})
			lastState = state
		}

		if !qualitiesSent {
			if variants := sess.Variants(); len(variants) > 0 {
				infos := make([]VariantInfo, len(variants))
				for i, v := range variants {
					infos[i] = VariantInfo{Index: i, BitrateBPS: v.BitrateBPS, Resolution: v.Resolution}
				}
				a.events.Publish(Event{Type: EventQualities, SessionID: sessionID, OwnerID: ownerID, Payload: QualitiesPayload{Variants: infos}})
				qualitiesSent = true
			}
		}

		bytesDownloaded, segmentCount, variantIx := sess.Stats()
		a.events.Publish(Event{Type: EventStats, SessionID: sessionID, OwnerID: ownerID, Payload: StatsPayload{
			BytesDownloaded: bytesDownloaded,
			SegmentCount:    segmentCount,
			CurrentVariant:  variantIx,
		}})

		nextSegmentIx, totalSegments := sess.Progress()
		a.events.Publish(Event{Type: EventProgress, SessionID: sessionID, OwnerID: ownerID, Payload: ProgressPayload{
			NextSegmentIx: nextSegmentIx,
			TotalSegments: totalSegments,
			State:         state.String(),
		}})

		if state == session.Failed {
			if err := sess.LastError(); err != nil {
				a.events.Publish(Event{Type: EventError, SessionID: sessionID, OwnerID: ownerID, Payload: ErrorPayload{
					Kind:        "session_failed",
					Message:     err.Error(),
					Recoverable: false,
				}})
			}
			return
		}
		if state == session.Ended {
			return
		}
	}
}
