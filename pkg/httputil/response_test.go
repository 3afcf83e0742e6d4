package httputil

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"message": "success"}

	err := WriteJSON(w, http.StatusOK, data)

	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "success")
}

func TestWriteError(t *testing.T) {
	w := httptest.NewRecorder()

	WriteError(w, http.StatusBadRequest, errors.New("test error"))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	var body ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "test error", body.Error)
}

func TestSetRetryAfter(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{5 * time.Second, "5"},
		{1500 * time.Millisecond, "2"},
		{0, "1"},
		{-time.Second, "1"},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		SetRetryAfter(w, tt.in)
		assert.Equal(t, tt.want, w.Header().Get("Retry-After"), tt.in.String())
	}
}

func TestStatusHelpers(t *testing.T) {
	tests := []struct {
		name string
		fn   func(w http.ResponseWriter)
		code int
	}{
		{"bad request", func(w http.ResponseWriter) { WriteBadRequest(w, "x") }, http.StatusBadRequest},
		{"not found", func(w http.ResponseWriter) { WriteNotFoundError(w, "x") }, http.StatusNotFound},
		{"internal", func(w http.ResponseWriter) { WriteInternalError(w, errors.New("x")) }, http.StatusInternalServerError},
		{"accepted", func(w http.ResponseWriter) { _ = WriteAccepted(w, map[string]string{"status": "pending"}) }, http.StatusAccepted},
		{"success", func(w http.ResponseWriter) { _ = WriteSuccess(w, []int{1}) }, http.StatusOK},
		{"too many", func(w http.ResponseWriter) { WriteErrorMessage(w, http.StatusTooManyRequests, "x") }, http.StatusTooManyRequests},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			tt.fn(w)
			assert.Equal(t, tt.code, w.Code)
		})
	}
}

func TestWriteBytes(t *testing.T) {
	w := httptest.NewRecorder()
	body := []byte("ARROW1\x00\x00")

	require.NoError(t, WriteBytes(w, http.StatusOK, "application/vnd.apache.arrow.file", body))

	assert.Equal(t, "application/vnd.apache.arrow.file", w.Header().Get("Content-Type"))
	assert.Equal(t, "8", w.Header().Get("Content-Length"))
	assert.Equal(t, body, w.Body.Bytes())
}
