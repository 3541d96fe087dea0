// Package session implements StreamSession, the state machine that
// drives one owner's playback: resolve the manifest, pull segments
// under ABR guidance, cache them, and feed a consumer sink.
//
// The goroutine-plus-broadcast-channel shape (one download loop pulls
// segments; Pause/Resume/Seek/SwitchVariant update session state under
// its mutex from the caller's goroutine and then wake or release that
// loop) is grounded in the
// teacher's proxy/stream/buffer/coordinator.go, which drives a
// similar single-writer loop signaled by WriterChan and a broadcast
// channel recreated on each notify.
package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"stream-engine/abr"
	"stream-engine/appendqueue"
	"stream-engine/bandwidth"
	"stream-engine/fetch"
	"stream-engine/logger"
	"stream-engine/metrics"
	"stream-engine/playlist"
	"stream-engine/segstore"
)

const (
	LiveRefreshMs       = 4000
	liveRefreshJitterMs = 500
	playbackGrace       = 500 * time.Millisecond
	transientRetryDelay = 2 * time.Second
	idlePollDelay       = 1 * time.Second

	// DefaultWatchdogFloorBPS/DefaultWatchdogWindow back the
	// throughput watchdog supplement (SPEC_FULL.md §3) when a Session
	// isn't given an explicit floor via Deps.
	DefaultWatchdogFloorBPS = 250_000
	DefaultWatchdogWindow   = 3
)

// Warning is a Recoverable condition worth surfacing to the owner
// without failing the session, per spec.md §7's Recoverable taxonomy.
type Warning struct {
	Kind    string
	Message string
}

// Sink is the narrow slice of a consumer the session needs directly,
// beyond what it hands to an appendqueue.Queue (which owns the full
// appendqueue.Sink contract).
type Sink interface {
	StartPlayback()
	EndOfStream()
}

// Session is a single owner's playback instance. segments/state/ix are
// guarded by mu: the run loop started by Start, the live-refresh loop,
// and the owner-facing methods (Pause, Resume, Seek, SwitchVariant)
// all update them under that lock, and the owner-facing methods then
// wake the download loop.
type Session struct {
	ID         string
	OwnerID    string
	ManifestURL string

	proxy      fetch.RequestProxy
	pipeline   *fetch.Pipeline
	estimator  *bandwidth.Estimator
	abrCtl     *abr.Controller
	store      *segstore.Store
	queue      *appendqueue.Queue
	transmuxer Transmuxer
	sink       Sink
	logger     logger.Logger

	mu               sync.Mutex
	state            State
	variants         []playlist.Variant
	segments         []playlist.SegmentRef
	knownIDs         map[string]struct{}
	currentVariantIx int
	nextSegmentIx    int
	bytesDownloaded  int64
	segmentCount     int64
	lastResumeEpoch  int64
	isLive           bool
	lastFailure      error

	transmuxerInited    bool
	lowThroughputStreak int
	throughputFloorBPS  float64
	throughputWindow    int

	wake     chan struct{}
	resumeCh chan struct{}
	warnings chan Warning

	cancel context.CancelFunc
}

// Deps bundles the collaborators a Session needs; all but Transmuxer
// and Sink are required. ThroughputFloorBPS/ThroughputWindow default
// to DefaultWatchdogFloorBPS/DefaultWatchdogWindow when left zero.
type Deps struct {
	Proxy              fetch.RequestProxy
	Pipeline           *fetch.Pipeline
	Estimator          *bandwidth.Estimator
	ABR                *abr.Controller
	Store              *segstore.Store
	Queue              *appendqueue.Queue
	Transmuxer         Transmuxer
	Sink               Sink
	Logger             logger.Logger
	ThroughputFloorBPS float64
	ThroughputWindow   int
}

func New(id, ownerID, manifestURL string, deps Deps) *Session {
	log := deps.Logger
	if log == nil {
		log = logger.NoopLogger{}
	}
	floor := deps.ThroughputFloorBPS
	if floor <= 0 {
		floor = DefaultWatchdogFloorBPS
	}
	window := deps.ThroughputWindow
	if window <= 0 {
		window = DefaultWatchdogWindow
	}
	if deps.Store != nil {
		deps.Store.SetSessionID(id)
	}
	return &Session{
		ID:                 id,
		OwnerID:            ownerID,
		ManifestURL:        manifestURL,
		proxy:              deps.Proxy,
		pipeline:           deps.Pipeline,
		estimator:          deps.Estimator,
		abrCtl:             deps.ABR,
		store:              deps.Store,
		queue:              deps.Queue,
		transmuxer:         deps.Transmuxer,
		sink:               deps.Sink,
		logger:             log.With("session:" + id),
		state:              Resolving,
		knownIDs:           make(map[string]struct{}),
		throughputFloorBPS: floor,
		throughputWindow:   window,
		wake:               make(chan struct{}, 1),
		resumeCh:           closedChan(),
		warnings:           make(chan Warning, 8),
	}
}

// Warnings delivers Recoverable conditions (e.g. the throughput
// watchdog) as they're raised. Sends are non-blocking; a slow or
// absent consumer drops warnings rather than stalling the session.
func (s *Session) Warnings() <-chan Warning {
	return s.warnings
}

func (s *Session) warn(kind, message string) {
	s.logger.Warnf("%s: %s", kind, message)
	select {
	case s.warnings <- Warning{Kind: kind, Message: message}:
	default:
	}
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// State returns the current state without blocking on the run loop.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stats returns the counters a StatsReporter would surface.
func (s *Session) Stats() (bytesDownloaded, segmentCount int64, currentVariantIx int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytesDownloaded, s.segmentCount, s.currentVariantIx
}

// Progress returns the download cursor, for an owner's progress{}
// event.
func (s *Session) Progress() (nextSegmentIx, totalSegments int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextSegmentIx, len(s.segments)
}

// LastError returns the error that moved this session to Failed, if
// any.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastFailure
}

// toAscIx converts between the descending-by-bitrate index space
// playlist.Parse produces (and every owner-facing API call uses) and
// the ascending-by-bitrate index space abr.Controller.Select expects
// per spec.md §4.4 ("choose the largest index i with bitrate <=
// safe_bw"). The mapping is its own inverse.
func toAscIx(ix, n int) int {
	if n <= 0 {
		return 0
	}
	return n - 1 - ix
}

// Start begins the Resolving -> Downloading state machine in its own
// goroutine and returns immediately.
func (s *Session) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	go s.run(ctx)
}

// Close tears the session down: cancels in-flight work and aborts the
// fetch pipeline. It does not block on the run loop exiting.
func (s *Session) Close() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if s.pipeline != nil {
		s.pipeline.AbortAll()
	}
	if s.queue != nil {
		s.queue.Close()
	}
}

// Pause suspends the download loop; live refresh keeps running.
func (s *Session) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Ended || s.state == Failed {
		return
	}
	s.state = Paused
	s.resumeCh = make(chan struct{})
}

// Resume releases a paused download loop.
func (s *Session) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Paused {
		return
	}
	s.lastResumeEpoch = time.Now().Unix()
	s.state = Downloading
	close(s.resumeCh)
}

// Seek aborts in-flight fetches and repositions next_segment_ix to the
// segment covering tSeconds. Chunks already enqueued on the
// AppendQueue are left in place; Seek does not clear them.
func (s *Session) Seek(tSeconds float64) {
	s.pipeline.AbortAll()

	s.mu.Lock()
	defer s.mu.Unlock()

	var cumulative float64
	target := 0
	for i, seg := range s.segments {
		if cumulative+seg.DurationS > tSeconds {
			target = i
			break
		}
		cumulative += seg.DurationS
		target = i + 1
	}
	if target >= len(s.segments) {
		target = len(s.segments) - 1
	}
	if target < 0 {
		target = 0
	}
	s.nextSegmentIx = target
	if s.state != Resolving && s.state != Failed && s.state != Ended {
		s.state = Downloading
	}
	s.notifyWake()
}

// SwitchVariant refetches the target variant's media playlist and
// realigns next_segment_ix to the first segment whose sequence is >=
// the current segment's sequence, per spec.md §4.4's variant-switch
// contract.
func (s *Session) SwitchVariant(ctx context.Context, newIx int) error {
	s.mu.Lock()
	if newIx < 0 || newIx >= len(s.variants) {
		s.mu.Unlock()
		return errors.New("session: variant index out of range")
	}
	var currentSeq uint64
	if s.nextSegmentIx < len(s.segments) {
		currentSeq = s.segments[s.nextSegmentIx].Sequence
	} else if len(s.segments) > 0 {
		currentSeq = s.segments[len(s.segments)-1].Sequence
	}
	target := s.variants[newIx]
	s.mu.Unlock()

	snap, err := s.fetchMediaPlaylist(ctx, target.URL)
	if err != nil {
		return err
	}

	newStart := 0
	for i, seg := range snap.Segments {
		if seg.Sequence >= currentSeq {
			newStart = i
			break
		}
	}
	if newStart > len(snap.Segments) {
		newStart = len(snap.Segments)
	}

	s.mu.Lock()
	prevIx := s.currentVariantIx
	s.currentVariantIx = newIx
	s.segments = snap.Segments
	s.isLive = snap.IsLive
	s.knownIDs = make(map[string]struct{}, len(snap.Segments))
	for _, seg := range snap.Segments {
		s.knownIDs[seg.ID()] = struct{}{}
	}
	if newStart < 0 {
		newStart = 0
	}
	s.nextSegmentIx = newStart
	variantCount := len(s.variants)
	s.mu.Unlock()

	s.abrCtl.SetCurrent(toAscIx(newIx, variantCount))
	s.initTransmuxer()
	if newIx != prevIx {
		metrics.ABRSwitchesTotal.WithLabelValues(s.ID).Inc()
	}
	s.notifyWake()
	return nil
}

// SetQuality pins ABR to variantIx (the owner's explicit "set_quality"
// action) and immediately realigns playback to it.
func (s *Session) SetQuality(ctx context.Context, variantIx int) error {
	s.mu.Lock()
	variantCount := len(s.variants)
	s.mu.Unlock()
	s.abrCtl.Lock(toAscIx(variantIx, variantCount))
	return s.SwitchVariant(ctx, variantIx)
}

// ClearQualityLock returns ABR to automatic variant selection.
func (s *Session) ClearQualityLock() {
	s.abrCtl.Unlock()
}

// Variants exposes the resolved variant list for an owner API to
// report available qualities.
func (s *Session) Variants() []playlist.Variant {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]playlist.Variant, len(s.variants))
	copy(out, s.variants)
	return out
}

func (s *Session) notifyWake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Session) run(ctx context.Context) {
	if err := s.resolve(ctx); err != nil {
		s.fail(err)
		return
	}

	s.mu.Lock()
	isLive := s.isLive
	s.mu.Unlock()

	if isLive {
		go s.liveRefreshLoop(ctx)
	}

	s.mu.Lock()
	if s.state != Paused && s.state != Failed {
		s.state = Downloading
	}
	s.mu.Unlock()

	s.downloadLoop(ctx)
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	s.state = Failed
	s.lastFailure = err
	s.mu.Unlock()
	s.logger.Errorf("session failed: %v", err)
}

// resolve implements spec.md §4.7's Resolving state: fetch the
// manifest once, descend into a media playlist if it was a master,
// and seed the initial variant choice.
func (s *Session) resolve(ctx context.Context) error {
	resp, err := s.pipeline.Get(ctx, s.ManifestURL, fetch.Text, nil)
	if err != nil {
		return err
	}

	snap, err := playlist.Parse(s.ManifestURL, string(resp.Body))
	if err != nil {
		return err
	}

	if snap.Kind == playlist.Master {
		s.mu.Lock()
		s.variants = snap.Variants
		ix := len(snap.Variants) / 2
		s.currentVariantIx = ix
		s.mu.Unlock()
		s.abrCtl.SetCurrent(toAscIx(ix, len(snap.Variants)))

		mediaSnap, err := s.fetchMediaPlaylist(ctx, snap.Variants[ix].URL)
		if err != nil {
			return err
		}
		snap = mediaSnap
	}

	s.mu.Lock()
	s.segments = snap.Segments
	s.isLive = snap.IsLive
	for _, seg := range snap.Segments {
		s.knownIDs[seg.ID()] = struct{}{}
	}
	s.mu.Unlock()
	s.initTransmuxer()
	return nil
}

// initTransmuxer requests the Transmuxer's init segments and hands
// them to the AppendQueue's video/audio sub-queues, per spec.md
// §4.6's "init segments are prepended exactly once per sub-queue
// before any media data". Safe to call again after a variant switch;
// Queue.SetInit is itself idempotent per sub-queue.
func (s *Session) initTransmuxer() {
	if s.transmuxer == nil || s.queue == nil {
		return
	}
	video, audio, err := s.transmuxer.Init()
	if err != nil {
		s.logger.Warnf("transmuxer init failed: %v", err)
		return
	}
	if video != nil {
		s.queue.SetInit(appendqueue.Video, video)
	}
	if audio != nil {
		s.queue.SetInit(appendqueue.Audio, audio)
	}
}

// maybeReselectVariant runs the ABR algorithm after a completed
// segment download, per spec.md §2's "repeatedly pulls the next
// segment under ABRController guidance" and §4.7's variant-switch
// trigger. abr.Controller.Select expects an ascending-bitrate slice;
// s.variants is descending (playlist.Parse's order), so indices are
// translated via toAscIx in both directions.
func (s *Session) maybeReselectVariant(ctx context.Context) {
	s.mu.Lock()
	variants := s.variants
	currentIx := s.currentVariantIx
	s.mu.Unlock()

	if len(variants) < 2 || s.abrCtl == nil {
		return
	}

	var bufferSeconds float64
	if s.queue != nil {
		bufferSeconds = s.queue.BufferedSeconds(s.kind())
	}

	ascending := make([]playlist.Variant, len(variants))
	for i, v := range variants {
		ascending[toAscIx(i, len(variants))] = v
	}

	ascIx := s.abrCtl.Select(ascending, bufferSeconds, time.Now().UnixMilli())
	descIx := toAscIx(ascIx, len(variants))
	if descIx == currentIx {
		return
	}
	if err := s.SwitchVariant(ctx, descIx); err != nil {
		s.logger.Warnf("abr: switch to variant %d failed: %v", descIx, err)
	}
}

func (s *Session) fetchMediaPlaylist(ctx context.Context, url string) (*playlist.Snapshot, error) {
	resp, err := s.pipeline.Get(ctx, url, fetch.Text, nil)
	if err != nil {
		return nil, err
	}
	return playlist.Parse(url, string(resp.Body))
}

func (s *Session) kind() appendqueue.Kind {
	if s.transmuxer != nil {
		return appendqueue.Video
	}
	return appendqueue.Combined
}

func (s *Session) downloadLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		s.mu.Lock()
		state := s.state
		resumeCh := s.resumeCh
		s.mu.Unlock()

		if state == Paused {
			select {
			case <-resumeCh:
				continue
			case <-ctx.Done():
				return
			}
		}
		if state == Failed || state == Ended {
			return
		}

		s.mu.Lock()
		atEnd := s.nextSegmentIx >= len(s.segments)
		live := s.isLive
		s.mu.Unlock()

		if atEnd {
			if !live {
				s.mu.Lock()
				s.state = Ended
				s.mu.Unlock()
				if s.sink != nil {
					s.sink.EndOfStream()
				}
				return
			}
			s.mu.Lock()
			s.state = LiveRefreshing
			s.mu.Unlock()
			select {
			case <-s.wake:
				s.mu.Lock()
				if s.state == LiveRefreshing {
					s.state = Downloading
				}
				s.mu.Unlock()
				continue
			case <-ctx.Done():
				return
			}
		}

		if s.queue != nil && !s.queue.NeedsMoreData(s.kind()) {
			select {
			case <-time.After(idlePollDelay):
			case <-ctx.Done():
				return
			}
			continue
		}

		s.fetchNextSegment(ctx)
	}
}

func (s *Session) fetchNextSegment(ctx context.Context) {
	s.mu.Lock()
	ix := s.nextSegmentIx
	var seg playlist.SegmentRef
	if ix < len(s.segments) {
		seg = s.segments[ix]
	}
	s.mu.Unlock()

	fetchStart := time.Now()
	resp, err := s.pipeline.Get(ctx, seg.URL, fetch.Bytes, nil)
	if err == nil {
		elapsed := time.Since(fetchStart)
		metrics.SegmentFetchDuration.Observe(elapsed.Seconds())
		s.checkThroughput(len(resp.Body), elapsed)
		s.onSegmentDownloaded(ctx, seg, resp.Body)
		return
	}

	var skip *fetch.SkipError
	var fatal *fetch.FatalError
	var transient *fetch.TransientError
	switch {
	case errors.As(err, &skip):
		metrics.SegmentsSkippedTotal.WithLabelValues(s.ID).Inc()
		s.mu.Lock()
		s.nextSegmentIx++
		s.mu.Unlock()
	case errors.As(err, &fatal):
		s.fail(err)
	case errors.As(err, &transient):
		select {
		case <-time.After(transientRetryDelay):
		case <-ctx.Done():
		}
	default:
		select {
		case <-time.After(transientRetryDelay):
		case <-ctx.Done():
		}
	}
}

// checkThroughput implements the throughput watchdog supplement
// (SPEC_FULL.md §3): once ThroughputWindow consecutive fetches come
// in below ThroughputFloorBPS, surface a Recoverable Warning instead
// of failing the session.
func (s *Session) checkThroughput(bytes int, elapsed time.Duration) {
	dtMs := elapsed.Milliseconds()
	if dtMs <= 0 {
		dtMs = 1
	}
	bps := 8 * float64(bytes) / (float64(dtMs) / 1000)

	s.mu.Lock()
	if bps < s.throughputFloorBPS {
		s.lowThroughputStreak++
	} else {
		s.lowThroughputStreak = 0
	}
	streak := s.lowThroughputStreak
	window := s.throughputWindow
	s.mu.Unlock()

	if streak >= window {
		s.mu.Lock()
		s.lowThroughputStreak = 0
		s.mu.Unlock()
		s.warn("low_throughput", fmt.Sprintf("%d consecutive fetches below %.0f bps floor", window, s.throughputFloorBPS))
	}
}

func (s *Session) onSegmentDownloaded(ctx context.Context, seg playlist.SegmentRef, body []byte) {
	key := segstore.Key(s.ID, s.streamKey(), seg.Sequence)
	if s.store != nil {
		_ = s.store.Put(key, body)
	}

	if s.queue != nil {
		if s.transmuxer != nil {
			video, audio, err := s.transmuxer.Transmux(body)
			if err != nil {
				s.logger.Warnf("transmux failed for segment %d: %v", seg.Sequence, err)
			} else {
				if video != nil {
					s.queue.Enqueue(appendqueue.Video, video)
				}
				if audio != nil {
					s.queue.Enqueue(appendqueue.Audio, audio)
				}
			}
		} else {
			s.queue.Enqueue(appendqueue.Combined, body)
		}
	}

	s.mu.Lock()
	s.bytesDownloaded += int64(len(body))
	s.segmentCount++
	s.nextSegmentIx++
	first := s.segmentCount == 1
	s.mu.Unlock()

	metrics.SegmentsDownloadedTotal.WithLabelValues(s.ID).Inc()
	metrics.BytesDownloadedTotal.WithLabelValues(s.ID).Add(float64(len(body)))
	if s.estimator != nil {
		metrics.BandwidthEMABitsPerSecond.WithLabelValues(s.ID).Set(s.estimator.EMA())
	}

	if first && s.sink != nil {
		go func() {
			time.Sleep(playbackGrace)
			s.sink.StartPlayback()
		}()
	}
	s.notifyWake()
	s.maybeReselectVariant(ctx)
}

// streamKey distinguishes the session's single logical stream for
// segstore addressing; a session holds one manifest at a time so the
// manifest URL itself is a stable key.
func (s *Session) streamKey() string {
	return s.ManifestURL
}

// liveRefreshLoop periodically re-parses the media playlist and
// appends newly-seen segments, with jitter so many sessions refreshing
// in lockstep don't all hit the origin at once.
func (s *Session) liveRefreshLoop(ctx context.Context) {
	for {
		interval := time.Duration(LiveRefreshMs+rand.Intn(2*liveRefreshJitterMs)-liveRefreshJitterMs) * time.Millisecond
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return
		}

		s.mu.Lock()
		state := s.state
		ix := s.currentVariantIx
		var url string
		if ix < len(s.variants) {
			url = s.variants[ix].URL
		} else {
			url = s.ManifestURL
		}
		s.mu.Unlock()
		if state == Ended || state == Failed {
			return
		}

		snap, err := s.fetchMediaPlaylist(ctx, url)
		if err != nil {
			s.logger.Warnf("live refresh failed: %v", err)
			continue
		}

		s.mu.Lock()
		appended := false
		for _, seg := range snap.Segments {
			if _, ok := s.knownIDs[seg.ID()]; ok {
				continue
			}
			s.knownIDs[seg.ID()] = struct{}{}
			s.segments = append(s.segments, seg)
			appended = true
		}
		s.isLive = snap.IsLive
		idle := s.nextSegmentIx < len(s.segments)
		s.mu.Unlock()

		if appended && idle {
			s.notifyWake()
		}
	}
}
