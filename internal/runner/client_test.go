package runner

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_Start(t *testing.T) {
	var gotAuth, gotContentType string
	var gotPayload map[string]map[string]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/jobs/", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotPayload))
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id": 42}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret-token", zerolog.Nop())
	jobID, err := c.Start(context.Background(), "echoport-backup", map[string]string{
		"ECHOPORT_TARGET": "mastodon",
	})
	require.NoError(t, err)

	assert.Equal(t, int64(42), jobID)
	assert.Equal(t, "Bearer secret-token", gotAuth)
	assert.Equal(t, "application/json", gotContentType)
	assert.Equal(t, "mastodon", gotPayload["env"]["ECHOPORT_TARGET"])
}

func TestClient_StartRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unknown service", http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "token", zerolog.Nop())
	_, err := c.Start(context.Background(), "echoport-backup", nil)
	require.Error(t, err)

	var startErr *StartError
	require.ErrorAs(t, err, &startErr)
	assert.Contains(t, startErr.Error(), "HTTP 403")
}

func TestClient_StartConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := NewClient(srv.URL, "token", zerolog.Nop())
	_, err := c.Start(context.Background(), "echoport-backup", nil)

	var startErr *StartError
	require.ErrorAs(t, err, &startErr)
}

func TestClient_Status(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/jobs/42", r.URL.Path)
		w.Write([]byte(`{
			"id": 42,
			"service_id": 7,
			"started": "2026-08-30T02:00:00Z",
			"finished": "2026-08-30T02:05:00Z",
			"steps": [{"name": "dump", "state": "success", "message": "done"}]
		}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "token", zerolog.Nop())
	status, err := c.Status(context.Background(), 42)
	require.NoError(t, err)

	assert.Equal(t, int64(42), status.ID)
	assert.True(t, status.IsFinished())
	require.Len(t, status.Steps, 1)
	assert.Equal(t, "dump", status.Steps[0].Name)
}

func TestClient_StatusNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "token", zerolog.Nop())
	_, err := c.Status(context.Background(), 99)
	assert.ErrorIs(t, err, ErrJobNotFound)

	var transient *TransientError
	assert.False(t, errors.As(err, &transient))
}

func TestClient_StatusServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream gone", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "token", zerolog.Nop())
	_, err := c.Status(context.Background(), 42)

	var transient *TransientError
	require.ErrorAs(t, err, &transient)
	assert.Contains(t, transient.Error(), "HTTP 502")
}

func TestClient_StatusMalformedBodyIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id": `))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "token", zerolog.Nop())
	_, err := c.Status(context.Background(), 42)

	var transient *TransientError
	require.ErrorAs(t, err, &transient)
}

func TestNewClient_TrimsTrailingSlash(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte(`{"id": 1}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "token", zerolog.Nop())
	_, err := c.Start(context.Background(), "svc", nil)
	require.NoError(t, err)
	assert.Equal(t, "/jobs/", gotPath)
}
