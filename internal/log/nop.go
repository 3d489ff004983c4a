package log

import "context"

// nopLogger discards everything. FromContext falls back to it.
type nopLogger struct{}

// Nop returns a Logger that discards all records.
func Nop() Logger { return nopLogger{} }

func (n nopLogger) With(...any) Logger                         { return n }
func (nopLogger) Debug(context.Context, string, ...any)        {}
func (nopLogger) Info(context.Context, string, ...any)         {}
func (nopLogger) Warn(context.Context, string, ...any)         {}
func (nopLogger) Error(context.Context, error, string, ...any) {}
func (nopLogger) Sync() error                                  { return nil }
