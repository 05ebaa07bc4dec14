package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

type loggerKey struct{}

// newLogger builds a logger of the given format (text|human|json).
func newLogger(format, level string, debug bool, w io.Writer) (*slog.Logger, error) {
	lvl, err := parseLogLevel(level)
	if err != nil {
		return nil, err
	}
	if debug {
		lvl = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "", "text", "human":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unsupported log format: %s", format)
	}
}

func parseLogLevel(v string) (slog.Level, error) {
	var lvl slog.Level
	if strings.TrimSpace(v) == "" {
		return slog.LevelInfo, nil
	}
	if err := lvl.UnmarshalText([]byte(v)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q: %w", v, err)
	}
	return lvl, nil
}

func withLogger(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

func loggerFrom(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok && l != nil {
		return l
	}
	return slog.Default()
}

// withSyncSpan logs SYNC:<zone>/S now and SYNC:<zone>/EOK or /EFAIL when the
// returned func is called.
func withSyncSpan(ctx context.Context, zone string) (context.Context, func(err error)) {
	startAt := time.Now()
	logger := loggerFrom(ctx).With("zone", zone)
	ctx = withLogger(ctx, logger)
	logger.Debug("SYNC:" + zone + "/S")

	return ctx, func(err error) {
		elapsed := time.Since(startAt).Seconds()
		if err == nil {
			logger.Info("SYNC:"+zone+"/EOK", "elapsed", elapsed)
			return
		}
		msg := err.Error()
		if len(msg) > 120 {
			msg = msg[:120] + "..."
		}
		logger.Error("SYNC:"+zone+"/EFAIL", "err", msg, "elapsed", elapsed)
	}
}

// requestLogger attaches a request scoped logger and logs each response.
func (s *server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startAt := time.Now()
		logger := s.log.With(
			"request_id", middleware.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
		)
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(withLogger(r.Context(), logger)))
		logger.Debug("request served", "status", ww.Status(), "bytes", ww.BytesWritten(), "elapsed", time.Since(startAt).Seconds())
	})
}
