package ownerapi

// EventType names the kind of observability event an owner API caller
// can fan out to (a browser tab, a log sink, a metrics bridge).
type EventType string

const (
	EventStateChanged EventType = "state_changed"
	EventQualities    EventType = "qualities"
	EventProgress     EventType = "progress"
	EventStats        EventType = "stats"
	EventError        EventType = "error"
)

// Event is published for every observable change in a session's
// lifecycle, per spec.md §6's "state_changed, qualities, progress,
// stats, error" fan-out.
type Event struct {
	Type      EventType
	SessionID string
	OwnerID   string
	Payload   any
}

// EventSink receives every Event an OwnerAPI publishes. Implementations
// must not block; Publish is called from Open's caller and from the
// API's per-session watcher goroutine.
type EventSink interface {
	Publish(Event)
}

// DiscardSink drops every event; useful when a caller only wants the
// synchronous request/response surface.
type DiscardSink struct{}

func (DiscardSink) Publish(Event) {}

// ProgressPayload accompanies EventProgress.
type ProgressPayload struct {
	NextSegmentIx int
	TotalSegments int
	State         string
}

// StatsPayload accompanies EventStats.
type StatsPayload struct {
	BytesDownloaded int64
	SegmentCount    int64
	CurrentVariant  int
}

// QualitiesPayload accompanies EventQualities.
type QualitiesPayload struct {
	Variants []VariantInfo
}

type VariantInfo struct {
	Index      int
	BitrateBPS int64
	Resolution string
}

// ErrorPayload accompanies EventError. Recoverable distinguishes a
// watchdog-style Warning (session keeps running) from the error that
// moved a session to Failed.
type ErrorPayload struct {
	Kind        string
	Message     string
	Recoverable bool
}
