package log

import (
	"context"
	"os"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

// InitLogs returns a logger configured from the FLEETYARD_LOG_LEVEL
// environment variable, defaulting to info when unset or unparsable.
func InitLogs() *logrus.Logger {
	log := logrus.New()

	log.SetReportCaller(true)

	level, err := logrus.ParseLevel(os.Getenv("FLEETYARD_LOG_LEVEL"))
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	return log
}

// WithReqIDFromCtx create logger with request id from the context, request id is set by middleware.RequestID
func WithReqIDFromCtx(ctx context.Context, inner logrus.FieldLogger) logrus.FieldLogger {
	return inner.WithField("request_id", middleware.GetReqID(ctx))
}

func WithReqID(reqID string, inner logrus.FieldLogger) logrus.FieldLogger {
	return inner.WithField("request_id", reqID)
}
