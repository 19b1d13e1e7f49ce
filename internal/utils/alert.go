package utils

import (
	"log/slog"

	"github.com/getsentry/sentry-go"
	"github.com/pkg/errors"
)

// InitSentry enables error tracking when a DSN is configured. Without a DSN, Alert only logs.
func InitSentry(dsn, environment, release string) error {
	if dsn == "" {
		return nil
	}
	return sentry.Init(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: environment,
		Release:     release,
	})
}

// Alert reports a failure that operators should hear about, such as an instance that
// stopped answering after previously succeeding.
func Alert(logger *slog.Logger, message string, err error, attrs ...any) {
	if logger == nil {
		logger = slog.Default()
	}
	evID := sentry.CurrentHub().CaptureException(errors.Wrap(err, message))
	args := append([]any{slog.Bool("alert", true), slog.Any("error", err)}, attrs...)
	if evID != nil {
		args = append(args, slog.String("event_id", string(*evID)))
	}
	logger.Error(message, args...)
}
