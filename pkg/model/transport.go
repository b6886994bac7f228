package model

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// NetworkLogEntry represents a single network request/response log entry
type NetworkLogEntry struct {
	Timestamp      time.Time     `json:"timestamp"`
	Method         string        `json:"method"`
	URL            string        `json:"url"`
	RequestBody    string        `json:"request_body,omitempty"`
	ResponseStatus int           `json:"response_status,omitempty"`
	ResponseBody   string        `json:"response_body,omitempty"`
	Duration       time.Duration `json:"duration_ms"`
	Error          string        `json:"error,omitempty"`
}

// LoggingTransport is an http.RoundTripper that appends request/response
// pairs to network.jsonl under the configured log directory. Disabled when
// the directory is empty.
type LoggingTransport struct {
	base    http.RoundTripper
	logFile *os.File
	mu      sync.Mutex
}

// NewLoggingTransport wraps base with network logging into logDir. An empty
// logDir or an unwritable directory leaves the transport pass-through.
func NewLoggingTransport(base http.RoundTripper, logDir string) *LoggingTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	lt := &LoggingTransport{base: base}
	if logDir == "" {
		return lt
	}
	if err := os.MkdirAll(logDir, 0o700); err != nil {
		return lt
	}
	f, err := os.OpenFile(filepath.Join(logDir, "network.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return lt
	}
	lt.logFile = f
	return lt
}

// RoundTrip implements http.RoundTripper
func (t *LoggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t == nil {
		return http.DefaultTransport.RoundTrip(req)
	}
	if t.logFile == nil {
		return t.base.RoundTrip(req)
	}

	entry := NetworkLogEntry{
		Timestamp: time.Now(),
		Method:    req.Method,
		URL:       req.URL.String(),
	}
	if req.Body != nil {
		body, err := io.ReadAll(req.Body)
		if err == nil {
			entry.RequestBody = truncateForLog(string(body))
			req.Body = io.NopCloser(bytes.NewReader(body))
		}
	}

	start := time.Now()
	resp, err := t.base.RoundTrip(req)
	entry.Duration = time.Since(start) / time.Millisecond

	if err != nil {
		entry.Error = err.Error()
		t.writeEntry(entry)
		return resp, err
	}

	entry.ResponseStatus = resp.StatusCode
	if resp.Body != nil {
		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr == nil {
			entry.ResponseBody = truncateForLog(string(body))
			resp.Body = io.NopCloser(bytes.NewReader(body))
		}
	}
	t.writeEntry(entry)
	return resp, nil
}

func (t *LoggingTransport) writeEntry(entry NetworkLogEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	t.logFile.Write(append(data, '\n'))
}

// Close releases the underlying log file.
func (t *LoggingTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.logFile == nil {
		return nil
	}
	err := t.logFile.Close()
	t.logFile = nil
	return err
}

func truncateForLog(s string) string {
	const max = 4096
	s = strings.TrimSpace(s)
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
