package httputil

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJSON(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		expectError bool
	}{
		{name: "valid JSON", body: `{"repos": [1, 2]}`},
		{name: "invalid JSON", body: `{invalid}`, expectError: true},
		{name: "unknown field", body: `{"repo": [1]}`, expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/test", bytes.NewBufferString(tt.body))
			var dest struct {
				Repos []int64 `json:"repos"`
			}

			err := ParseJSON(req, &dest)

			if tt.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, []int64{1, 2}, dest.Repos)
		})
	}
}

func TestParseJSONOrError(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/test", bytes.NewBufferString(`nope`))
	var dest map[string]interface{}

	assert.False(t, ParseJSONOrError(rec, req, &dest))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestParsePathParams(t *testing.T) {
	router := mux.NewRouter()
	var gotID int64
	var gotName string
	var idErr, nameErr error
	router.HandleFunc("/repos/{id}/{name}", func(w http.ResponseWriter, r *http.Request) {
		gotID, idErr = ParsePathInt64(r, "id")
		gotName, nameErr = ParsePathString(r, "name")
	})

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/repos/42/issues", nil))
	require.NoError(t, idErr)
	require.NoError(t, nameErr)
	assert.Equal(t, int64(42), gotID)
	assert.Equal(t, "issues", gotName)

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/repos/abc/issues", nil))
	assert.Error(t, idErr)

	// missing vars outside a router
	_, err := ParsePathInt64(httptest.NewRequest(http.MethodGet, "/", nil), "id")
	assert.EqualError(t, err, "missing path parameter: id")
}

func TestParseQueryInt(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/?limit=5&bad=x", nil)

	v, err := ParseQueryInt(req, "limit", 20)
	require.NoError(t, err)
	assert.Equal(t, 5, v)

	v, err = ParseQueryInt(req, "absent", 20)
	require.NoError(t, err)
	assert.Equal(t, 20, v)

	_, err = ParseQueryInt(req, "bad", 20)
	assert.Error(t, err)

	assert.Equal(t, "M", ParseQueryString(req, "interval", "M"))
}

func TestParseQueryIDs(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		want    []int64
		wantErr bool
	}{
		{name: "absent", query: "", want: []int64{}},
		{name: "comma separated", query: "repos=3,1,2", want: []int64{1, 2, 3}},
		{name: "repeated and deduplicated", query: "repos=5&repos=5,4", want: []int64{4, 5}},
		{name: "blanks dropped", query: "repos=1,,2,", want: []int64{1, 2}},
		{name: "not a number", query: "repos=1,x", wantErr: true},
		{name: "non positive", query: "repos=0", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/?"+tt.query, nil)
			got, err := ParseQueryIDs(req, "repos")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseQueryDate(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/?start=2023-02-01&end=02/03/2023", nil)

	got, err := ParseQueryDate(req, "start")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2023, 2, 1, 0, 0, 0, 0, time.UTC), got)

	got, err = ParseQueryDate(req, "missing")
	require.NoError(t, err)
	assert.True(t, got.IsZero())

	_, err = ParseQueryDate(req, "end")
	assert.Error(t, err)
}

func TestParseQueryDuration(t *testing.T) {
	tests := []struct {
		query   string
		want    time.Duration
		wantErr bool
	}{
		{query: "", want: time.Minute},
		{query: "wait=10", want: 10 * time.Second},
		{query: "wait=1.5", want: 1500 * time.Millisecond},
		{query: "wait=250ms", want: 250 * time.Millisecond},
		{query: "wait=-1", wantErr: true},
		{query: "wait=later", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/?"+tt.query, nil)
			got, err := ParseQueryDuration(req, "wait", time.Minute)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
