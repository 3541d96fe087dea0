package ownerapi

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"stream-engine/appendqueue"
	"stream-engine/config"
	"stream-engine/fetch"
	"stream-engine/registry"
	"stream-engine/session"
)

func mediaPlaylist(segCount int) string {
	out := "#EXTM3U\n#EXT-X-MEDIA-SEQUENCE:0\n"
	for i := 0; i < segCount; i++ {
		out += fmt.Sprintf("#EXTINF:2.0,\nseg%d.ts\n", i)
	}
	out += "#EXT-X-ENDLIST\n"
	return out
}

type routedProxy struct {
	mu     sync.Mutex
	routes map[string]*fetch.Response
}

func (p *routedProxy) Fetch(ctx context.Context, url string, want fetch.Want, headers map[string]string) (*fetch.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r, ok := p.routes[url]; ok {
		return r, nil
	}
	return &fetch.Response{Status: 404}, nil
}

func (p *routedProxy) set(url, body string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.routes[url] = &fetch.Response{Status: 200, Body: []byte(body)}
}

type fakeSink struct {
	mu       sync.Mutex
	appended int
	ended    bool
}

func (s *fakeSink) StartPlayback() {}
func (s *fakeSink) EndOfStream() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended = true
}
func (s *fakeSink) Append(kind appendqueue.Kind, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appended++
	return nil
}
func (s *fakeSink) Evict(kind appendqueue.Kind, from, to float64) error { return nil }
func (s *fakeSink) BufferedRange(kind appendqueue.Kind) (float64, float64) {
	return 0, 0
}
func (s *fakeSink) CurrentTime() float64 { return 0 }

type recordingEventSink struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingEventSink) Publish(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingEventSink) count(t EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func newTestAPI(t *testing.T, proxy *routedProxy, events EventSink) *API {
	t.Helper()
	reg, err := registry.Open(filepath.Join(t.TempDir(), "registry.sqlite"), 0, nil)
	if err != nil {
		t.Fatalf("registry.Open: %v", err)
	}
	t.Cleanup(func() { reg.Close() })

	cfg := config.NewDefaultConfig()
	cfg.Fetch.Attempts = 2
	cfg.Fetch.BackoffBase = time.Millisecond
	cfg.SegstoreDir = t.TempDir()

	return New(reg, proxy, cfg, events, nil)
}

func waitForSessionState(t *testing.T, sess *session.Session, want session.State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sess.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %v, last seen %v", want, sess.State())
}

func TestOpenRejectsSecondSessionForSameOwner(t *testing.T) {
	proxy := &routedProxy{routes: map[string]*fetch.Response{}}
	proxy.set("https://x/media.m3u8", mediaPlaylist(1))
	proxy.set("https://x/seg0.ts", "A")

	a := newTestAPI(t, proxy, nil)
	sink := &fakeSink{}

	if _, err := a.Open(context.Background(), "owner1", "https://x/media.m3u8", sink); err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if _, err := a.Open(context.Background(), "owner1", "https://x/media.m3u8", sink); err == nil {
		t.Fatal("expected second Open for the same owner to fail")
	}
	a.Close("owner1")
}

func TestPauseResumeRoundtrip(t *testing.T) {
	proxy := &routedProxy{routes: map[string]*fetch.Response{}}
	proxy.set("https://x/media.m3u8", mediaPlaylist(2))
	proxy.set("https://x/seg0.ts", "A")
	proxy.set("https://x/seg1.ts", "B")

	a := newTestAPI(t, proxy, nil)
	sink := &fakeSink{}

	if err := a.Pause("ghost"); err != ErrNoActiveSession {
		t.Fatalf("expected ErrNoActiveSession for unknown owner, got %v", err)
	}

	sess, err := a.Open(context.Background(), "owner1", "https://x/media.m3u8", sink)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer a.Close("owner1")

	if err := a.Pause("owner1"); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if err := a.Resume("owner1"); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	waitForSessionState(t, sess, session.Ended)
}

func TestSeekAndSetQualityDelegateToSession(t *testing.T) {
	proxy := &routedProxy{routes: map[string]*fetch.Response{}}
	proxy.set("https://x/master.m3u8", "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=1000000\nmedia.m3u8\n")
	proxy.set("https://x/media.m3u8", mediaPlaylist(5))
	for i := 0; i < 5; i++ {
		proxy.set(fmt.Sprintf("https://x/seg%d.ts", i), "X")
	}

	a := newTestAPI(t, proxy, nil)
	sink := &fakeSink{}

	sess, err := a.Open(context.Background(), "owner1", "https://x/master.m3u8", sink)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer a.Close("owner1")

	waitForSessionState(t, sess, session.Ended)

	if err := a.Seek("owner1", 5); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	if err := a.SetQuality(context.Background(), "owner1", 0); err != nil {
		t.Fatalf("SetQuality: %v", err)
	}
	if err := a.ClearQuality("owner1"); err != nil {
		t.Fatalf("ClearQuality: %v", err)
	}

	if err := a.Seek("ghost", 1); err != ErrNoActiveSession {
		t.Fatalf("expected ErrNoActiveSession, got %v", err)
	}
}

func TestCloseStopsEventWatcher(t *testing.T) {
	proxy := &routedProxy{routes: map[string]*fetch.Response{}}
	proxy.set("https://x/media.m3u8", mediaPlaylist(1))
	proxy.set("https://x/seg0.ts", "A")

	events := &recordingEventSink{}
	a := newTestAPI(t, proxy, events)
	sink := &fakeSink{}

	sess, err := a.Open(context.Background(), "owner1", "https://x/media.m3u8", sink)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	waitForSessionState(t, sess, session.Ended)

	// Let the watch loop observe the Ended state at least once before closing.
	time.Sleep(600 * time.Millisecond)
	a.Close("owner1")

	countAfterClose := events.count(EventStateChanged)
	time.Sleep(600 * time.Millisecond)
	if got := events.count(EventStateChanged); got != countAfterClose {
		t.Fatalf("expected no further state_changed events after Close, got %d additional", got-countAfterClose)
	}

	if _, ok := a.reg.Get("owner1"); ok {
		t.Fatal("expected owner1's session to be removed from the registry")
	}
}

func TestOpenPublishesStateChangedEvent(t *testing.T) {
	proxy := &routedProxy{routes: map[string]*fetch.Response{}}
	proxy.set("https://x/media.m3u8", mediaPlaylist(1))
	proxy.set("https://x/seg0.ts", "A")

	events := &recordingEventSink{}
	a := newTestAPI(t, proxy, events)
	sink := &fakeSink{}

	sess, err := a.Open(context.Background(), "owner1", "https://x/media.m3u8", sink)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer a.Close("owner1")

	waitForSessionState(t, sess, session.Ended)
	time.Sleep(600 * time.Millisecond)

	if events.count(EventStateChanged) == 0 {
		t.Fatal("expected at least one state_changed event")
	}
	if events.count(EventStats) == 0 {
		t.Fatal("expected at least one stats event")
	}
}
