package registry

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatestReturnsVersion(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/example.com/leftpad/@latest", r.URL.Path)
		fmt.Fprint(w, `{"Version":"v1.2.0","Time":"2024-01-01T00:00:00Z"}`)
	}))
	defer server.Close()

	client := NewProxyClient(server.URL, server.URL)
	version, err := client.Latest(context.Background(), "example.com/leftpad")
	require.NoError(t, err)
	assert.Equal(t, "v1.2.0", version)
}

func TestLatestEscapesUppercasePath(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Uppercase letters in module paths are escaped with "!" on the wire.
		require.Equal(t, "/github.com/!big!corp/mod/@latest", r.URL.Path)
		fmt.Fprint(w, `{"Version":"v0.1.0"}`)
	}))
	defer server.Close()

	client := NewProxyClient(server.URL, server.URL)
	version, err := client.Latest(context.Background(), "github.com/BigCorp/mod")
	require.NoError(t, err)
	assert.Equal(t, "v0.1.0", version)
}

func TestLatestNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	client := NewProxyClient(server.URL, server.URL)
	_, err := client.Latest(context.Background(), "example.com/absent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHasVersion(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/example.com/mod/@v/v1.0.0.info" {
			fmt.Fprint(w, `{"Version":"v1.0.0"}`)
			return
		}
		http.NotFound(w, r)
	}))
	defer server.Close()

	client := NewProxyClient(server.URL, server.URL)

	ok, err := client.HasVersion(context.Background(), "example.com/mod", "v1.0.0")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = client.HasVersion(context.Background(), "example.com/mod", "v9.9.9")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetRejectsUnexpectedStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewProxyClient(server.URL, server.URL)
	_, err := client.Latest(context.Background(), "example.com/mod")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestEnumerationPagesUntilEmpty(t *testing.T) {
	pages := map[string]string{
		"": `{"Path":"example.com/a","Timestamp":"2024-01-01T00:00:00Z"}
{"Path":"example.com/b","Timestamp":"2024-01-02T00:00:00Z"}`,
		"2024-01-02T00:00:00Z": `{"Path":"example.com/c","Timestamp":"2024-01-03T00:00:00Z"}`,
		"2024-01-03T00:00:00Z": ``,
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/index", r.URL.Path)
		body, ok := pages[r.URL.Query().Get("since")]
		require.True(t, ok, "unexpected cursor %q", r.URL.Query().Get("since"))
		fmt.Fprint(w, body)
	}))
	defer server.Close()

	client := NewProxyClient(server.URL, server.URL)
	enum := client.List("")

	var names []string
	for !enum.Done() {
		page, err := enum.Next(context.Background())
		require.NoError(t, err)
		names = append(names, page...)
	}
	assert.Equal(t, []string{"example.com/a", "example.com/b", "example.com/c"}, names)
}

func TestEnumerationStopsOnNonAdvancingCursor(t *testing.T) {
	// With an inclusive since cursor, the last page can keep returning its
	// final entry. A page that does not move the cursor ends the enumeration.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("since") == "" {
			fmt.Fprint(w, `{"Path":"example.com/a","Timestamp":"2024-01-01T00:00:00Z"}`)
			return
		}
		fmt.Fprint(w, `{"Path":"example.com/a","Timestamp":"2024-01-01T00:00:00Z"}`)
	}))
	defer server.Close()

	client := NewProxyClient(server.URL, server.URL)
	enum := client.List("")

	page, err := enum.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"example.com/a"}, page)
	assert.False(t, enum.Done())

	page, err = enum.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"example.com/a"}, page)
	assert.True(t, enum.Done())
}

func TestEnumerationResumesFromCursor(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "2024-06-01T00:00:00Z", r.URL.Query().Get("since"))
		fmt.Fprint(w, ``)
	}))
	defer server.Close()

	client := NewProxyClient(server.URL, server.URL)
	enum := client.List("2024-06-01T00:00:00Z")

	page, err := enum.Next(context.Background())
	require.NoError(t, err)
	assert.Empty(t, page)
	assert.True(t, enum.Done())
}

func TestEnumerationSurfacesServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewProxyClient(server.URL, server.URL)
	enum := client.List("")

	_, err := enum.Next(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "enumerate index")
}
