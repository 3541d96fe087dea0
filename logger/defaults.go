package logger

import (
	"fmt"
	"log"
	"os"
	"regexp"
)

// DefaultLogger writes to the standard library logger, gated by the
// DEBUG env var for debug-level lines and scrubbing URLs when
// SAFE_LOGS=true so manifest/segment URLs (which may carry auth
// tokens) never land in shared log aggregation.
type DefaultLogger struct {
	component string
}

var Default Logger = &DefaultLogger{}

var urlRegex = regexp.MustCompile(`[a-zA-Z][a-zA-Z0-9+.-]*://[a-zA-Z0-9+%/.\-:_?&=#@+]+`)

func redactURLs(text string) string {
	if os.Getenv("SAFE_LOGS") != "true" {
		return text
	}
	return urlRegex.ReplaceAllString(text, "[redacted url]")
}

func (l *DefaultLogger) prefix(level string) string {
	if l.component == "" {
		return fmt.Sprintf("[%s]", level)
	}
	return fmt.Sprintf("[%s:%s]", level, l.component)
}

// With returns a Logger scoped to component, nesting under any
// existing component so "fetch".With("abort") becomes "fetch.abort".
func (l *DefaultLogger) With(component string) Logger {
	if l.component != "" {
		component = l.component + "." + component
	}
	return &DefaultLogger{component: component}
}

func (l *DefaultLogger) Log(format string) {
	log.Println(l.prefix("INFO"), redactURLs(format))
}

func (l *DefaultLogger) Logf(format string, v ...any) {
	log.Println(l.prefix("INFO"), redactURLs(fmt.Sprintf(format, v...)))
}

func (l *DefaultLogger) Debug(format string) {
	if os.Getenv("DEBUG") == "true" {
		log.Println(l.prefix("DEBUG"), redactURLs(format))
	}
}

func (l *DefaultLogger) Debugf(format string, v ...any) {
	if os.Getenv("DEBUG") == "true" {
		log.Println(l.prefix("DEBUG"), redactURLs(fmt.Sprintf(format, v...)))
	}
}

func (l *DefaultLogger) Error(format string) {
	log.Println(l.prefix("ERROR"), redactURLs(format))
}

func (l *DefaultLogger) Errorf(format string, v ...any) {
	log.Println(l.prefix("ERROR"), redactURLs(fmt.Sprintf(format, v...)))
}

func (l *DefaultLogger) Warn(format string) {
	log.Println(l.prefix("WARN"), redactURLs(format))
}

func (l *DefaultLogger) Warnf(format string, v ...any) {
	log.Println(l.prefix("WARN"), redactURLs(fmt.Sprintf(format, v...)))
}

func (l *DefaultLogger) Fatal(format string) {
	log.Fatal(l.prefix("FATAL"), " ", redactURLs(format))
}

func (l *DefaultLogger) Fatalf(format string, v ...any) {
	log.Fatal(l.prefix("FATAL"), " ", redactURLs(fmt.Sprintf(format, v...)))
}
