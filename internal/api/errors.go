package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrUnauthorized matches API errors caused by a missing or rejected
	// credential.
	ErrUnauthorized = errors.New("not authenticated")
	// ErrNoAPIKey is returned when an authenticated call is made before a
	// key is configured.
	ErrNoAPIKey = errors.New("no API key configured; log in first")
)

// APIError is a non-2xx response from the marketplace API.
type APIError struct {
	StatusCode int
	Method     string
	Path       string
	Message    string
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("API error %d on %s %s: %s", e.StatusCode, e.Method, e.Path, msg)
}

// Is lets errors.Is(err, ErrUnauthorized) match 401 and 403 responses.
func (e *APIError) Is(target error) bool {
	return target == ErrUnauthorized &&
		(e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden)
}

// Temporary reports whether retrying the request may succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// InstanceError is returned when the API accepts an instance request but
// reports that it did not succeed.
type InstanceError struct {
	ID      int64
	Message string
}

func (e *InstanceError) Error() string {
	return fmt.Sprintf("instance %d: %s", e.ID, e.Message)
}

// errorMessage pulls a human-readable message out of an error body. The API
// uses {"error": ..., "msg": ...}; anything else is returned trimmed.
func errorMessage(body []byte) string {
	var doc struct {
		Error string `json:"error"`
		Msg   string `json:"msg"`
	}
	if err := json.Unmarshal(body, &doc); err == nil {
		switch {
		case doc.Msg != "" && doc.Error != "":
			return doc.Error + ": " + doc.Msg
		case doc.Msg != "":
			return doc.Msg
		case doc.Error != "":
			return doc.Error
		}
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 512 {
		s = s[:512] + "..."
	}
	return s
}
