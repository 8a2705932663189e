package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/middleware"
)

// maxLoggedBody caps how much of a request or response body is buffered for
// the access log. The handler still sees the whole request body.
const maxLoggedBody = 32 << 10

const filtered = "[FILTERED]"

// sensitiveFields are matched as substrings of lowercased JSON keys, header
// names and Daraja metadata item names.
var sensitiveFields = []string{
	"password",
	"token",
	"authorization",
	"secret",
	"key",
	"session",
	"credential",
	"auth",
	"passkey",
	"phone",
	"receipt",
	"msisdn",
}

func isSensitive(name string) bool {
	lower := strings.ToLower(name)
	for _, field := range sensitiveFields {
		if strings.Contains(lower, field) {
			return true
		}
	}
	return false
}

func LoggingMiddleware(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			reqID := middleware.GetReqID(r.Context())

			logRequest(logger, r, reqID)

			ww := &responseWriter{ResponseWriter: w}
			next.ServeHTTP(ww, r)

			logResponse(logger, ww, time.Since(start), reqID)
		})
	}
}

// responseWriter records the status and the first maxLoggedBody bytes of the
// response.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	size       int
	body       bytes.Buffer
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if room := maxLoggedBody - rw.body.Len(); room > 0 {
		rw.body.Write(b[:min(room, len(b))])
	}
	rw.size += len(b)
	return rw.ResponseWriter.Write(b)
}

// peekBody reads at most maxLoggedBody bytes and puts them back in front of
// the unread remainder.
func peekBody(r *http.Request) (head []byte, truncated bool) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, false
	}
	head, _ = io.ReadAll(io.LimitReader(r.Body, maxLoggedBody+1))
	truncated = len(head) > maxLoggedBody
	r.Body = readCloser{Reader: io.MultiReader(bytes.NewReader(head), r.Body), Closer: r.Body}
	if truncated {
		head = head[:maxLoggedBody]
	}
	return head, truncated
}

type readCloser struct {
	io.Reader
	io.Closer
}

func logRequest(logger *slog.Logger, r *http.Request, reqID string) {
	head, truncated := peekBody(r)

	logger.Info("incoming request",
		"request_id", reqID,
		"method", r.Method,
		"path", r.URL.Path,
		"query", r.URL.RawQuery,
		"remote_addr", r.RemoteAddr,
		"user_agent", r.UserAgent(),
		"headers", filterHeaders(r.Header),
		"content_length", r.ContentLength,
		"body", describeBody(head, truncated),
	)
}

func logResponse(logger *slog.Logger, rw *responseWriter, duration time.Duration, reqID string) {
	statusCode := rw.statusCode
	if statusCode == 0 {
		statusCode = http.StatusOK
	}

	level := slog.LevelInfo
	switch {
	case statusCode >= 500:
		level = slog.LevelError
	case statusCode >= 400:
		level = slog.LevelWarn
	}

	logger.Log(context.Background(), level, "response",
		"request_id", reqID,
		"status_code", statusCode,
		"duration_ms", duration.Milliseconds(),
		"response_size", rw.size,
		"body", describeBody(rw.body.Bytes(), rw.size > rw.body.Len()),
	)
}

func filterHeaders(headers http.Header) map[string]string {
	out := make(map[string]string, len(headers))
	for name, values := range headers {
		if isSensitive(name) {
			out[name] = filtered
			continue
		}
		out[name] = strings.Join(values, ", ")
	}
	return out
}

// describeBody renders a body for the log with sensitive values masked. A
// truncated body cannot be parsed, so only its size is logged.
func describeBody(body []byte, truncated bool) string {
	if len(body) == 0 {
		return ""
	}
	if truncated {
		return fmt.Sprintf("[TRUNCATED - more than %d bytes]", maxLoggedBody)
	}

	var doc interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		if isSensitive(string(body)) {
			return "[FILTERED - Contains sensitive data]"
		}
		return string(body)
	}

	out, err := json.Marshal(maskJSON(doc))
	if err != nil {
		return "[ERROR - Failed to marshal filtered JSON]"
	}
	return string(out)
}

// maskJSON masks sensitive keys and the Value of {"Name": ..., "Value": ...}
// pairs whose Name is sensitive, the shape Daraja uses for CallbackMetadata.
func maskJSON(data interface{}) interface{} {
	switch v := data.(type) {
	case map[string]interface{}:
		maskValue := false
		if name, ok := v["Name"].(string); ok && isSensitive(name) {
			maskValue = true
		}
		out := make(map[string]interface{}, len(v))
		for key, value := range v {
			switch {
			case isSensitive(key):
				out[key] = filtered
			case maskValue && key == "Value":
				out[key] = filtered
			default:
				out[key] = maskJSON(value)
			}
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = maskJSON(item)
		}
		return out
	default:
		return v
	}
}
