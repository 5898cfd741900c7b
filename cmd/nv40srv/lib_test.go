package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labhw/nv40/util"
)

func mockConfig() Config {
	return Config{
		Mock: true,
		Nodes: []NodeSetup{
			{Endpoint: "/bench/nv40", Model: "NV40/3CLE", Limits: map[string]util.Limiter{"z": {Min: 0, Max: 80}}},
			{Endpoint: "omc/nv40/", Model: "NV40/3", Remote: []bool{true, true, false}},
		},
	}
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestBuildMuxServesEveryNode(t *testing.T) {
	l, _ := test.NewNullLogger()
	mux, closers, err := BuildMux(mockConfig(), l)
	require.NoError(t, err)
	assert.Empty(t, closers)

	rec := do(t, mux, http.MethodPost, "/bench/nv40/pos", `{"z": 1, "y": 2, "x": 3}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = do(t, mux, http.MethodGet, "/bench/nv40/axis/x/pos", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"f64": 3}`, rec.Body.String())

	rec = do(t, mux, http.MethodPost, "/bench/nv40/axis/z/pos", `{"f64": 100}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, mux, http.MethodGet, "/omc/nv40/model", "")
	assert.JSONEq(t, `{"str": "NV40/3"}`, rec.Body.String())
	rec = do(t, mux, http.MethodGet, "/omc/nv40/axis/x/enabled", "")
	assert.JSONEq(t, `{"bool": false}`, rec.Body.String())
}

func TestBuildMuxEndpoints(t *testing.T) {
	l, _ := test.NewNullLogger()
	mux, _, err := BuildMux(mockConfig(), l)
	require.NoError(t, err)

	rec := do(t, mux, http.MethodGet, "/endpoints", "")
	require.Equal(t, http.StatusOK, rec.Code)
	graph := map[string][]string{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &graph))
	assert.Len(t, graph, 2)
	assert.Contains(t, graph["/bench/nv40"], "GET /pos")
	assert.Contains(t, graph["/omc/nv40"], "POST /lock")
}

func TestBuildMuxLock(t *testing.T) {
	l, _ := test.NewNullLogger()
	mux, _, err := BuildMux(mockConfig(), l)
	require.NoError(t, err)

	rec := do(t, mux, http.MethodPost, "/bench/nv40/lock", `{"bool": true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, mux, http.MethodPost, "/bench/nv40/axis/y/pos", `{"f64": 1}`)
	assert.Equal(t, http.StatusLocked, rec.Code)
	rec = do(t, mux, http.MethodGet, "/bench/nv40/axis/y/pos", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	// locks are per node
	rec = do(t, mux, http.MethodPost, "/omc/nv40/axis/y/pos", `{"f64": 1}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBuildMuxLockWithLockLikeEndpoint(t *testing.T) {
	l, _ := test.NewNullLogger()
	c := mockConfig()
	c.Nodes[0].Endpoint = "/block-b/nv40"
	mux, _, err := BuildMux(c, l)
	require.NoError(t, err)

	rec := do(t, mux, http.MethodPost, "/block-b/nv40/lock", `{"bool": true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, mux, http.MethodPost, "/block-b/nv40/axis/y/pos", `{"f64": 1}`)
	assert.Equal(t, http.StatusLocked, rec.Code)
	rec = do(t, mux, http.MethodPost, "/block-b/nv40/pos", `{"z": 1, "y": 1, "x": 1}`)
	assert.Equal(t, http.StatusLocked, rec.Code)
	rec = do(t, mux, http.MethodGet, "/block-b/nv40/axis/y/pos", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"f64": 0}`, rec.Body.String())
}

func TestBuildMuxRejectsBadNodes(t *testing.T) {
	l, _ := test.NewNullLogger()
	c := mockConfig()
	c.Nodes[1].Endpoint = "/bench/nv40"
	_, _, err := BuildMux(c, l)
	assert.Error(t, err)

	c = mockConfig()
	c.Nodes[0].Model = "NV40/1"
	_, _, err = BuildMux(c, l)
	assert.Error(t, err)

	c = mockConfig()
	c.Nodes[0].ClosedLoop = []bool{true}
	_, _, err = BuildMux(c, l)
	assert.Error(t, err)
}

func TestChannelVector(t *testing.T) {
	v, err := channelVector("Remote", nil)
	require.NoError(t, err)
	assert.Equal(t, [3]bool{true, true, true}, v)
	v, err = channelVector("Remote", []bool{false, true, false})
	require.NoError(t, err)
	assert.Equal(t, [3]bool{false, true, false}, v)
	_, err = channelVector("Remote", []bool{true, true})
	assert.Error(t, err)
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nv40srv.yml")
	yml := `Addr: ":9000"
Mock: true
Nodes:
  - Addr: 10.0.0.5:2001
    Endpoint: /lab/piezo
    Model: NV40/3
    Limits:
      x:
        Min: -5
        Max: 5
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o644))
	c, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", c.Addr)
	assert.True(t, c.Mock)
	assert.Equal(t, "info", c.LogLevel)
	require.Len(t, c.Nodes, 1)
	assert.Equal(t, "/lab/piezo", c.Nodes[0].Endpoint)
	assert.Equal(t, util.Limiter{Min: -5, Max: 5}, c.Nodes[0].Limits["x"])
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	c, err := loadConfig(filepath.Join(t.TempDir(), "absent.yml"))
	require.NoError(t, err)
	assert.Equal(t, defaultConfig().Addr, c.Addr)
	require.Len(t, c.Nodes, 1)
	assert.Equal(t, "NV40/3CLE", c.Nodes[0].Model)
}
