package logger

import "context"

// WithLogger returns a new context with the given logger, unless the context
// already carries a fixed logger.
func WithLogger(ctx context.Context, logger Logger) context.Context {
	if _, ok := ctx.Value(fixedKey{}).(Logger); ok {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, logger)
}

// WithFixedLogger returns a new context with a fixed logger that cannot be
// replaced by later WithLogger calls. Tests use it to capture output.
func WithFixedLogger(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, fixedKey{}, logger)
}

// FromContext returns the logger stored in the context, or the default logger
// when none is present.
func FromContext(ctx context.Context) Logger {
	if logger, ok := ctx.Value(fixedKey{}).(Logger); ok {
		return logger
	}
	if logger, ok := ctx.Value(contextKey{}).(Logger); ok {
		return logger
	}
	return defaultLogger
}

type contextKey struct{}

type fixedKey struct{}

func Debug(ctx context.Context, msg string, tags ...any) {
	FromContext(ctx).Debug(msg, tags...)
}

func Info(ctx context.Context, msg string, tags ...any) {
	FromContext(ctx).Info(msg, tags...)
}

func Warn(ctx context.Context, msg string, tags ...any) {
	FromContext(ctx).Warn(msg, tags...)
}

func Error(ctx context.Context, msg string, tags ...any) {
	FromContext(ctx).Error(msg, tags...)
}

func Fatal(ctx context.Context, msg string, tags ...any) {
	FromContext(ctx).Fatal(msg, tags...)
}

func Debugf(ctx context.Context, format string, v ...any) {
	FromContext(ctx).Debugf(format, v...)
}

func Infof(ctx context.Context, format string, v ...any) {
	FromContext(ctx).Infof(format, v...)
}

func Warnf(ctx context.Context, format string, v ...any) {
	FromContext(ctx).Warnf(format, v...)
}

func Errorf(ctx context.Context, format string, v ...any) {
	FromContext(ctx).Errorf(format, v...)
}

func Fatalf(ctx context.Context, format string, v ...any) {
	FromContext(ctx).Fatalf(format, v...)
}
