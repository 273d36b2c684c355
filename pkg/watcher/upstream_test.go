package watcher

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/events", r.URL.Path)
		require.Equal(t, "42", r.URL.Query().Get("since"))
		fmt.Fprint(w, `[
			{"serial": 43, "action": "create", "package": "Flask", "timestamp": 1709290800},
			{"serial": 44, "action": "new release", "package": "Flask", "version": "3.0.0", "timestamp": 1709290860}
		]`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.URL, 0)
	events, err := c.Events(context.Background(), 42)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(43), events[0].Serial)
	assert.Equal(t, ActionCreate, events[0].Action)
	assert.Equal(t, "3.0.0", events[1].Version)
	assert.Equal(t, 2024, events[0].Time().Year())
}

func TestClientListPackages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Contains(t, r.Header.Get("Accept"), "application/vnd.pypi.simple.v1+json")
		fmt.Fprint(w, `{"projects": [{"name": "numpy"}, {"name": "Flask"}]}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.URL, 0)
	names, err := c.ListPackages(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"numpy", "Flask"}, names)
}

func TestClientRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.URL, 0)
	_, err := c.Events(context.Background(), 0)
	assert.Error(t, err)
}
