package logger

// Logger is the ambient logging contract used by every component in the
// engine. Components never call the standard log package directly; they
// take a Logger so tests can swap in a silent or capturing implementation.
type Logger interface {
	Log(format string)
	Logf(format string, v ...any)

	Warn(format string)
	Warnf(format string, v ...any)

	Debug(format string)
	Debugf(format string, v ...any)

	Error(format string)
	Errorf(format string, v ...any)

	Fatal(format string)
	Fatalf(format string, v ...any)

	// With returns a Logger that prefixes every line with component,
	// so a log stream spanning many sessions and components stays
	// attributable (e.g. "fetch", "session:abc123", "abr").
	With(component string) Logger
}
