package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// responseMeter はステータスコードと本文のバイト数を記録する。
type responseMeter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (m *responseMeter) WriteHeader(code int) {
	if m.status == 0 {
		m.status = code
	}
	m.ResponseWriter.WriteHeader(code)
}

func (m *responseMeter) Write(b []byte) (int, error) {
	if m.status == 0 {
		m.status = http.StatusOK
	}
	n, err := m.ResponseWriter.Write(b)
	m.bytes += n
	return n, err
}

// statusOrOK は何も書かれなかったハンドラを200として扱う。
func (m *responseMeter) statusOrOK() int {
	if m.status == 0 {
		return http.StatusOK
	}
	return m.status
}

// levelForStatus は5xxをerror、4xxをwarn、それ以外をinfoにする。
func levelForStatus(status int) slog.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return slog.LevelError
	case status >= http.StatusBadRequest:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// NewLoggingMiddleware はリクエストごとに1行の構造化ログ "http_request" を出す。
// method, path, status, bytes, duration_ms と、識別済みならuser_idを含む。
func NewLoggingMiddleware(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			meter := &responseMeter{ResponseWriter: w}
			var loggedUser string
			ctx := context.WithValue(r.Context(), loggedUserContextKey, &loggedUser)

			next.ServeHTTP(meter, r.WithContext(ctx))

			status := meter.statusOrOK()
			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", status),
				slog.Int("bytes", meter.bytes),
				slog.Float64("duration_ms", float64(time.Since(start))/float64(time.Millisecond)),
			}
			userID := loggedUser
			if userID == "" {
				userID, _ = UserIDFromContext(r.Context())
			}
			if userID != "" {
				attrs = append(attrs, slog.String("user_id", userID))
			}
			logger.LogAttrs(r.Context(), levelForStatus(status), "http_request", attrs...)
		})
	}
}
