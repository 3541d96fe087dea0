package logger

// NoopLogger discards everything. Used in tests that don't want
// stdlib log noise mixed into `go test -v` output.
type NoopLogger struct{}

func (NoopLogger) Log(string)            {}
func (NoopLogger) Logf(string, ...any)   {}
func (NoopLogger) Warn(string)           {}
func (NoopLogger) Warnf(string, ...any)  {}
func (NoopLogger) Debug(string)          {}
func (NoopLogger) Debugf(string, ...any) {}
func (NoopLogger) Error(string)          {}
func (NoopLogger) Errorf(string, ...any) {}
func (NoopLogger) Fatal(string)          {}
func (NoopLogger) Fatalf(string, ...any) {}
func (NoopLogger) With(string) Logger    { return NoopLogger{} }
