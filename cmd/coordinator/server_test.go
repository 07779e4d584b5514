package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/torua/internal/catalog"
	"github.com/dreamware/torua/internal/cluster"
	"github.com/dreamware/torua/internal/errors"
	"github.com/dreamware/torua/internal/keyspace"
	"github.com/dreamware/torua/internal/logger"
	"github.com/dreamware/torua/internal/partition"
	"github.com/dreamware/torua/internal/storage"
)

// fakeNode stores documents in memory and records the notifications it
// receives from the coordinator.
type fakeNode struct {
	*httptest.Server

	mu        sync.Mutex
	docs      map[string][]byte
	deltas    []cluster.ChunkDelta
	refreshes int
	echoes    int
}

func newFakeNode(t *testing.T) *fakeNode {
	t.Helper()
	n := &fakeNode{docs: make(map[string][]byte)}

	r := mux.NewRouter()
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {})
	r.HandleFunc("/echo", func(w http.ResponseWriter, _ *http.Request) {
		n.mu.Lock()
		n.echoes++
		n.mu.Unlock()
	})
	r.HandleFunc("/collections/{ns}/refresh", func(w http.ResponseWriter, _ *http.Request) {
		n.mu.Lock()
		n.refreshes++
		n.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	r.HandleFunc("/collections/{ns}/chunks", func(w http.ResponseWriter, r *http.Request) {
		var d cluster.ChunkDelta
		if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
			cluster.WriteError(w, http.StatusBadRequest, err)
			return
		}
		n.mu.Lock()
		n.deltas = append(n.deltas, d)
		n.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	r.HandleFunc("/collections/{ns}/docs/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["ns"] + "/" + mux.Vars(r)["id"]
		n.mu.Lock()
		defer n.mu.Unlock()
		switch r.Method {
		case http.MethodPut:
			body, _ := io.ReadAll(r.Body)
			n.docs[id] = body
			w.WriteHeader(http.StatusNoContent)
		case http.MethodGet:
			body, ok := n.docs[id]
			if !ok {
				cluster.WriteError(w, http.StatusNotFound, storage.ErrKeyNotFound)
				return
			}
			_, _ = w.Write(body)
		case http.MethodDelete:
			delete(n.docs, id)
			w.WriteHeader(http.StatusNoContent)
		}
	})
	n.Server = httptest.NewServer(r)
	t.Cleanup(n.Close)
	return n
}

func (n *fakeNode) doc(id string) ([]byte, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	body, ok := n.docs[id]
	return body, ok
}

func (n *fakeNode) received() (deltas []cluster.ChunkDelta, refreshes int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]cluster.ChunkDelta(nil), n.deltas...), n.refreshes
}

type testCoordinator struct {
	srv   *server
	url   string
	nodes map[string]*fakeNode
}

// newTestCoordinator serves a coordinator over a fresh catalog and
// registers a fake node for each of ids.
func newTestCoordinator(t *testing.T, ids ...string) *testCoordinator {
	t.Helper()
	cat, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"), logger.NopLogger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cat.Close() })

	srv := newServer(cat, logger.NopLogger)
	hs := httptest.NewServer(srv.Router())
	t.Cleanup(hs.Close)

	tc := &testCoordinator{srv: srv, url: hs.URL, nodes: make(map[string]*fakeNode)}
	for _, id := range ids {
		n := newFakeNode(t)
		tc.nodes[id] = n
		resp := tc.do(t, http.MethodPost, "/register", `{"node":{"id":"`+id+`","addr":"`+n.URL+`"}}`)
		require.Equal(t, http.StatusNoContent, resp.StatusCode)
	}
	return tc
}

func (tc *testCoordinator) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, tc.url+path, r)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (tc *testCoordinator) shardFoo(t *testing.T) CollectionResponse {
	t.Helper()
	resp := tc.do(t, http.MethodPost, "/collections", `{"ns":"test.foo","key":["a"],"splitPoints":[{"a":100}]}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var out CollectionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func codeOf(t *testing.T, resp *http.Response) errors.Code {
	t.Helper()
	return errors.CodeOf(errors.UnmarshalJSON(resp.Body))
}

func TestRegisterAndListNodes(t *testing.T) {
	tc := newTestCoordinator(t, "node-1", "node-2")

	resp := tc.do(t, http.MethodPost, "/register", `{"node":{"id":"node-3"}}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, ErrBadRequest, codeOf(t, resp))

	resp = tc.do(t, http.MethodPost, "/register", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Registering again replaces the address.
	resp = tc.do(t, http.MethodPost, "/register", `{"node":{"id":"node-2","addr":"http://moved:1"}}`)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = tc.do(t, http.MethodGet, "/nodes", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Nodes []cluster.NodeInfo `json:"nodes"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out.Nodes, 2)
	assert.Equal(t, "node-1", out.Nodes[0].ID)
	assert.Equal(t, "http://moved:1", out.Nodes[1].Addr)
}

func TestShardCollection(t *testing.T) {
	tc := newTestCoordinator(t, "node-1", "node-2")

	out := tc.shardFoo(t)
	assert.Equal(t, "test.foo", out.Collection.ID)
	assert.Equal(t, uint64(3), out.Collection.Version)
	require.Len(t, out.Chunks, 2)
	assert.Equal(t, "node-1", out.Chunks[0].Shard)
	assert.Equal(t, "node-2", out.Chunks[1].Shard)

	for id, n := range tc.nodes {
		_, refreshes := n.received()
		assert.Equal(t, 1, refreshes, id)
	}

	t.Run("already sharded", func(t *testing.T) {
		resp := tc.do(t, http.MethodPost, "/collections", `{"ns":"test.foo","key":["a"]}`)
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
		assert.Equal(t, catalog.ErrNamespaceExists, codeOf(t, resp))
	})

	t.Run("bad shard key", func(t *testing.T) {
		resp := tc.do(t, http.MethodPost, "/collections", `{"ns":"test.bar","key":[]}`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("list and get", func(t *testing.T) {
		resp := tc.do(t, http.MethodGet, "/collections", "")
		var colls []catalog.Collection
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&colls))
		require.Len(t, colls, 1)
		assert.Equal(t, []string{"a"}, colls[0].Key)

		resp = tc.do(t, http.MethodGet, "/collections/test.foo", "")
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		resp = tc.do(t, http.MethodGet, "/collections/test.none", "")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, catalog.ErrNamespaceNotFound, codeOf(t, resp))

		resp = tc.do(t, http.MethodGet, "/collections/test.foo/chunks", "")
		var chunks []partition.ChunkRecord
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&chunks))
		assert.Len(t, chunks, 2)
	})

	t.Run("snapshot", func(t *testing.T) {
		resp := tc.do(t, http.MethodGet, "/collections/test.foo/snapshot?shard=node-2", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var snap cluster.Snapshot
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
		assert.Equal(t, uint64(3), snap.Collection.Version)
		require.Len(t, snap.Chunks, 1)
		assert.Equal(t, "test.foo-a_100", snap.Chunks[0].ID)

		m, err := partition.Build(snap.Collection, snap.Chunks)
		require.NoError(t, err)
		assert.True(t, m.BelongsToMe(keyspace.Document{"a": keyspace.Int(100)}))

		resp = tc.do(t, http.MethodGet, "/collections/test.foo/snapshot", "")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestNoNodes(t *testing.T) {
	tc := newTestCoordinator(t)
	resp := tc.do(t, http.MethodPost, "/collections", `{"ns":"test.foo","key":["a"]}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, errors.Code("NoNodes"), codeOf(t, resp))
}

func TestSplitAndMove(t *testing.T) {
	tc := newTestCoordinator(t, "node-1", "node-2")
	tc.shardFoo(t)

	resp := tc.do(t, http.MethodPost, "/collections/test.foo/split", `{"at":{"a":50}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var halves []partition.ChunkRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&halves))
	require.Len(t, halves, 2)
	assert.Equal(t, "test.foo-a_50", halves[1].ID)
	assert.Equal(t, uint64(4), halves[1].Version)

	deltas, _ := tc.nodes["node-1"].received()
	require.Len(t, deltas, 1)
	assert.Equal(t, cluster.DeltaSplit, deltas[0].Op)
	assert.Equal(t, uint64(4), deltas[0].Version)
	require.Len(t, deltas[0].SplitPoints, 1)
	assert.True(t, deltas[0].SplitPoints[0].Equal(keyspace.Bound{keyspace.Int(50)}))

	resp = tc.do(t, http.MethodPost, "/collections/test.foo/move", `{"min":{"a":50},"to":"node-2"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var moved partition.ChunkRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&moved))
	assert.Equal(t, "node-2", moved.Shard)
	assert.Equal(t, uint64(5), moved.Version)

	deltas, _ = tc.nodes["node-1"].received()
	require.Len(t, deltas, 2)
	assert.Equal(t, cluster.DeltaRemove, deltas[1].Op)
	deltas, _ = tc.nodes["node-2"].received()
	require.Len(t, deltas, 1)
	assert.Equal(t, cluster.DeltaAdd, deltas[0].Op)
	assert.True(t, deltas[0].Max.Equal(keyspace.Bound{keyspace.Int(100)}))

	t.Run("unknown node", func(t *testing.T) {
		resp := tc.do(t, http.MethodPost, "/collections/test.foo/move", `{"min":{"a":50},"to":"node-9"}`)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("not a chunk boundary", func(t *testing.T) {
		resp := tc.do(t, http.MethodPost, "/collections/test.foo/move", `{"min":{"a":60},"to":"node-1"}`)
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
		assert.Equal(t, partition.ErrNoExactMatch, codeOf(t, resp))
	})

	t.Run("split at a boundary", func(t *testing.T) {
		resp := tc.do(t, http.MethodPost, "/collections/test.foo/split", `{"at":{"a":50}}`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestDataRouting(t *testing.T) {
	tc := newTestCoordinator(t, "node-1", "node-2")
	tc.shardFoo(t)

	resp := tc.do(t, http.MethodPut, "/data/test.foo/x", `{"a":5,"name":"x"}`)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = tc.do(t, http.MethodPut, "/data/test.foo/y", `{"a":150}`)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	_, ok := tc.nodes["node-1"].doc("test.foo/x")
	assert.True(t, ok)
	_, ok = tc.nodes["node-2"].doc("test.foo/x")
	assert.False(t, ok)
	_, ok = tc.nodes["node-2"].doc("test.foo/y")
	assert.True(t, ok)

	resp = tc.do(t, http.MethodGet, "/data/test.foo/x", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var doc keyspace.Document
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
	assert.Equal(t, int64(5), doc["a"].Int())
	assert.Equal(t, "x", doc["name"].Str())

	resp = tc.do(t, http.MethodGet, "/data/test.foo/missing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, storage.ErrNotFound, codeOf(t, resp))

	resp = tc.do(t, http.MethodDelete, "/data/test.foo/x", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	_, ok = tc.nodes["node-1"].doc("test.foo/x")
	assert.False(t, ok)

	t.Run("bad document", func(t *testing.T) {
		resp := tc.do(t, http.MethodPut, "/data/test.foo/z", `[1,2]`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("unknown collection", func(t *testing.T) {
		resp := tc.do(t, http.MethodPut, "/data/test.none/z", `{"a":1}`)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		resp = tc.do(t, http.MethodGet, "/data/test.none/z", "")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("dropped collection", func(t *testing.T) {
		resp := tc.do(t, http.MethodDelete, "/collections/test.foo", "")
		require.Equal(t, http.StatusNoContent, resp.StatusCode)

		resp = tc.do(t, http.MethodGet, "/data/test.foo/y", "")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		resp = tc.do(t, http.MethodPut, "/data/test.foo/y", `{"a":150}`)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)

		resp = tc.do(t, http.MethodDelete, "/collections/test.foo", "")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestBroadcast(t *testing.T) {
	tc := newTestCoordinator(t, "node-1", "node-2")

	resp := tc.do(t, http.MethodPost, "/broadcast", `{"path":"/echo","payload":{"x":1}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		SentTo  int `json:"sent_to"`
		Results []struct {
			NodeID string `json:"node_id"`
			Err    string `json:"err"`
		} `json:"results"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, 2, out.SentTo)
	for _, r := range out.Results {
		assert.Empty(t, r.Err, r.NodeID)
	}
	for _, n := range tc.nodes {
		n.mu.Lock()
		assert.Equal(t, 1, n.echoes)
		n.mu.Unlock()
	}

	resp = tc.do(t, http.MethodPost, "/broadcast", `{"path":"echo"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUnhealthyNodeIsDrained(t *testing.T) {
	tc := newTestCoordinator(t, "node-1", "node-2")
	tc.shardFoo(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	failing := tc.nodes["node-2"].URL
	monitor := tc.srv.newHealthMonitor(ctx, 10*time.Millisecond)
	monitor.SetCheckFunction(func(_ context.Context, addr string) error {
		if addr == failing {
			return errors.New("Unreachable", "connection refused")
		}
		return nil
	})
	tc.srv.monitor = monitor
	go monitor.Start(ctx, tc.srv.nodes.All)
	defer monitor.Stop()

	assert.Eventually(t, func() bool {
		chunks, err := tc.srv.catalog.Chunks("test.foo")
		if err != nil {
			return false
		}
		for _, c := range chunks {
			if c.Shard != "node-1" {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		deltas, _ := tc.nodes["node-1"].received()
		return len(deltas) > 0 && deltas[len(deltas)-1].Op == cluster.DeltaAdd
	}, 5*time.Second, 10*time.Millisecond)
}

func TestHealthAndMetrics(t *testing.T) {
	tc := newTestCoordinator(t)

	resp := tc.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = tc.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestRootCommand(t *testing.T) {
	var out bytes.Buffer
	rc := newRootCommand(&out, &out)
	rc.SetArgs([]string{"config", "--bind", ":9000"})
	require.NoError(t, rc.Execute())
	assert.Contains(t, out.String(), `bind = ":9000"`)

	out.Reset()
	rc = newRootCommand(&out, &out)
	rc.SetArgs([]string{"--health.interval", "0s"})
	err := rc.Execute()
	assert.True(t, errors.Is(err, "InvalidConfig"))
}
