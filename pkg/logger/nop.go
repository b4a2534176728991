package logger

// NopLogger discards everything. Used in tests and when logging is disabled.
type NopLogger struct{}

// NewNop returns a logger that does nothing.
func NewNop() Logger { return NopLogger{} }

func (NopLogger) Debug(string, ...Field) {}
func (NopLogger) Info(string, ...Field)  {}
func (NopLogger) Warn(string, ...Field)  {}
func (NopLogger) Error(string, ...Field) {}

func (n NopLogger) With(...Field) Logger { return n }
func (n NopLogger) Named(string) Logger  { return n }
func (NopLogger) Sync() error            { return nil }

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l Logger) Logger {
	if l == nil {
		return NewNop()
	}
	return l
}
