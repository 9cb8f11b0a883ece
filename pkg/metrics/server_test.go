package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedSource []EndpointStats

func (s fixedSource) EndpointStats() []EndpointStats { return s }

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestServerHealth(t *testing.T) {
	s := NewServer(ServerConfig{Source: fixedSource{{Name: "web", Running: true}}})
	rec := get(t, s, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok\n", rec.Body.String())

	s = NewServer(ServerConfig{Source: fixedSource{{Name: "web", Running: true}, {Name: "admin"}}})
	rec = get(t, s, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "admin")
}

func TestServerEndpoints(t *testing.T) {
	s := NewServer(ServerConfig{Source: fixedSource{{Name: "web", Backend: "nio", Running: true, Connections: 7}}})
	rec := get(t, s, "/endpoints")
	require.Equal(t, http.StatusOK, rec.Code)

	var got []EndpointStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "web", got[0].Name)
	assert.EqualValues(t, 7, got[0].Connections)

	rec = get(t, NewServer(ServerConfig{}), "/endpoints")
	assert.Equal(t, "[]\n", rec.Body.String())
}

func TestServerDefaults(t *testing.T) {
	assert.Equal(t, 9090, NewServer(ServerConfig{}).Port())
}

func TestServerSetSource(t *testing.T) {
	s := NewServer(ServerConfig{})
	assert.Equal(t, "[]\n", get(t, s, "/endpoints").Body.String())

	s.SetSource(fixedSource{{Name: "late"}})
	assert.Contains(t, get(t, s, "/endpoints").Body.String(), `"late"`)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, s, "/healthz").Code)
}
