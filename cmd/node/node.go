package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"sync"

	"github.com/gorilla/mux"

	"github.com/dreamware/torua/internal/catalog"
	"github.com/dreamware/torua/internal/cluster"
	"github.com/dreamware/torua/internal/errors"
	"github.com/dreamware/torua/internal/keyspace"
	"github.com/dreamware/torua/internal/logger"
	"github.com/dreamware/torua/internal/metadata"
	"github.com/dreamware/torua/internal/metrics"
	"github.com/dreamware/torua/internal/partition"
	"github.com/dreamware/torua/internal/shard"
	"github.com/dreamware/torua/internal/storage"
)

// Node is the runtime state of a storage node: the partition maps it has
// installed and one shard per collection it stores documents for.
//
// Shards are opened lazily on the first request for a collection. Maps are
// installed by refreshes and deltas, never by the shards themselves.
type Node struct {
	// ID uniquely identifies this node in the cluster.
	ID string

	backend storage.Backend
	holder  *metadata.Holder
	syncer  *metadata.Syncer
	client  *cluster.Client
	coord   string
	logger  logger.Logger

	// mu protects shards.
	mu     sync.RWMutex
	shards map[string]*shard.Shard

	// refreshes tracks background refreshes so tests can wait for them.
	refreshes sync.WaitGroup
}

// NewNode returns a node storing documents in backend and fetching
// partition maps from the coordinator at coord.
func NewNode(id string, backend storage.Backend, client *cluster.Client, coord string, log logger.Logger) *Node {
	holder := metadata.NewHolder(log)
	fetch := &metadata.HTTPFetcher{Client: client, Coordinator: coord, Shard: id}
	return &Node{
		ID:      id,
		backend: backend,
		holder:  holder,
		syncer:  metadata.NewSyncer(holder, fetch, log),
		client:  client,
		coord:   coord,
		logger:  log,
		shards:  make(map[string]*shard.Shard),
	}
}

// Shard returns the shard of collection ns, opening it if needed.
func (n *Node) Shard(ns string) (*shard.Shard, error) {
	n.mu.RLock()
	s, ok := n.shards[ns]
	n.mu.RUnlock()
	if ok {
		return s, nil
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if s, ok := n.shards[ns]; ok {
		return s, nil
	}
	store, err := n.backend.Store(ns)
	if err != nil {
		return nil, err
	}
	s = shard.NewShard(ns, store, n.holder)
	n.shards[ns] = s
	return s, nil
}

// DropShard unloads the map of ns and deletes its documents.
func (n *Node) DropShard(ns string) error {
	n.holder.Remove(ns)

	n.mu.Lock()
	defer n.mu.Unlock()
	if s, ok := n.shards[ns]; ok {
		s.SetState(shard.ShardStateDeleted)
		delete(n.shards, ns)
	}
	return n.backend.Drop(ns)
}

// LoadAll installs the map of every live collection in the catalog.
func (n *Node) LoadAll(ctx context.Context) error {
	var colls []catalog.Collection
	if err := n.client.GetJSON(ctx, n.coord+"/collections", &colls); err != nil {
		return err
	}
	for _, coll := range colls {
		if coll.Dropped {
			continue
		}
		if _, err := n.syncer.Refresh(ctx, coll.ID); err != nil {
			n.logger.Warnf("loading %s: %v", coll.ID, err)
		}
	}
	return nil
}

// refreshInBackground reloads the map of ns without blocking the caller.
func (n *Node) refreshInBackground(ns string) {
	n.refreshes.Add(1)
	go func() {
		defer n.refreshes.Done()
		if _, err := n.syncer.Refresh(context.Background(), ns); err != nil {
			n.logger.Warnf("background refresh of %s: %v", ns, err)
		}
	}()
}

// Router returns the node's HTTP routes.
func (n *Node) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/info", n.handleInfo).Methods(http.MethodGet)
	r.HandleFunc("/control", n.handleControl).Methods(http.MethodPost)

	c := r.PathPrefix("/collections/{ns}").Subrouter()
	c.HandleFunc("", n.handleGetMap).Methods(http.MethodGet)
	c.HandleFunc("", n.handleDropCollection).Methods(http.MethodDelete)
	c.HandleFunc("/refresh", n.handleRefresh).Methods(http.MethodPost)
	c.HandleFunc("/chunks", n.handleDelta).Methods(http.MethodPost)
	c.HandleFunc("/owns", n.handleOwns).Methods(http.MethodPost)
	c.HandleFunc("/orphans", n.handleListOrphans).Methods(http.MethodGet)
	c.HandleFunc("/orphans", n.handleCleanupOrphans).Methods(http.MethodDelete)
	c.HandleFunc("/docs", n.handleListDocs).Methods(http.MethodGet)
	c.HandleFunc("/docs/{id}", n.handleGetDoc).Methods(http.MethodGet)
	c.HandleFunc("/docs/{id}", n.handlePutDoc).Methods(http.MethodPut)
	c.HandleFunc("/docs/{id}", n.handleDeleteDoc).Methods(http.MethodDelete)
	return r
}

// NodeInfo is the body of GET /info.
type NodeInfo struct {
	ID     string            `json:"id"`
	Shards []shard.ShardInfo `json:"shards"`
	Maps   []cluster.MapInfo `json:"maps"`
}

func (n *Node) handleInfo(w http.ResponseWriter, _ *http.Request) {
	info := NodeInfo{ID: n.ID, Shards: []shard.ShardInfo{}, Maps: []cluster.MapInfo{}}

	n.mu.RLock()
	for _, s := range n.shards {
		info.Shards = append(info.Shards, s.Info())
	}
	n.mu.RUnlock()
	sort.Slice(info.Shards, func(i, j int) bool { return info.Shards[i].Namespace < info.Shards[j].Namespace })

	for _, ns := range n.holder.Namespaces() {
		if m, ok := n.holder.Get(ns); ok {
			info.Maps = append(info.Maps, cluster.NewMapInfo(m))
		}
	}
	cluster.WriteJSON(w, info)
}

// handleControl logs an operator message broadcast by the coordinator.
func (n *Node) handleControl(w http.ResponseWriter, r *http.Request) {
	var raw bytes.Buffer
	if _, err := raw.ReadFrom(r.Body); err != nil {
		cluster.WriteError(w, http.StatusBadRequest, errors.Wrap(err, "reading body"))
		return
	}
	n.logger.Infof("control payload: %s", raw.Bytes())
	w.WriteHeader(http.StatusNoContent)
}

func (n *Node) handleGetMap(w http.ResponseWriter, r *http.Request) {
	ns := mux.Vars(r)["ns"]
	m, ok := n.holder.Get(ns)
	if !ok {
		n.writeError(w, errors.Newf(partition.ErrNotPartitioned, "no partition map loaded for %s", ns))
		return
	}
	cluster.WriteJSON(w, cluster.NewMapInfo(m))
}

func (n *Node) handleDropCollection(w http.ResponseWriter, r *http.Request) {
	if err := n.DropShard(mux.Vars(r)["ns"]); err != nil {
		n.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRefresh reloads the map of ns. A collection that is gone or
// dropped is unloaded and answered with 204.
func (n *Node) handleRefresh(w http.ResponseWriter, r *http.Request) {
	ns := mux.Vars(r)["ns"]
	m, err := n.syncer.Refresh(r.Context(), ns)
	if errors.Is(err, partition.ErrNotPartitioned) || errors.Is(err, catalog.ErrNamespaceNotFound) {
		w.WriteHeader(http.StatusNoContent)
		return
	} else if err != nil {
		n.writeError(w, err)
		return
	}
	cluster.WriteJSON(w, cluster.NewMapInfo(m))
}

func (n *Node) handleDelta(w http.ResponseWriter, r *http.Request) {
	ns := mux.Vars(r)["ns"]
	var delta cluster.ChunkDelta
	if err := json.NewDecoder(r.Body).Decode(&delta); err != nil {
		n.writeError(w, errors.Newf(metadata.ErrBadDelta, "decoding delta: %v", err))
		return
	}
	m, err := n.syncer.ApplyDelta(r.Context(), ns, delta)
	if err != nil {
		n.writeError(w, err)
		return
	}
	cluster.WriteJSON(w, cluster.NewMapInfo(m))
}

func (n *Node) handleOwns(w http.ResponseWriter, r *http.Request) {
	ns := mux.Vars(r)["ns"]
	doc, err := readDocument(r.Body)
	if err != nil {
		n.writeError(w, err)
		return
	}
	m, ok := n.holder.Get(ns)
	if !ok {
		n.writeError(w, errors.Newf(partition.ErrNotPartitioned, "no partition map loaded for %s", ns))
		return
	}

	resp := cluster.OwnsResponse{Version: m.Version()}
	if c, ok := m.ChunkFor(m.ShardKey().Project(doc)); ok {
		resp.Owned = true
		resp.Chunk = &c
	}
	metrics.CounterOwnershipChecks.WithLabelValues(metrics.Owned(resp.Owned)).Inc()
	cluster.WriteJSON(w, resp)
}

func (n *Node) handleListOrphans(w http.ResponseWriter, r *http.Request) {
	s, err := n.Shard(mux.Vars(r)["ns"])
	if err != nil {
		n.writeError(w, err)
		return
	}
	gaps, err := s.OrphanRanges()
	if err != nil {
		n.writeError(w, err)
		return
	}
	cluster.WriteJSON(w, struct {
		Ranges []partition.Chunk `json:"ranges"`
	}{gaps})
}

func (n *Node) handleCleanupOrphans(w http.ResponseWriter, r *http.Request) {
	s, err := n.Shard(mux.Vars(r)["ns"])
	if err != nil {
		n.writeError(w, err)
		return
	}
	removed, err := s.CleanupOrphans()
	if err != nil {
		n.writeError(w, err)
		return
	}
	if removed > 0 {
		n.logger.Infof("removed %d orphaned documents of %s", removed, s.Namespace)
	}
	cluster.WriteJSON(w, struct {
		Removed int `json:"removed"`
	}{removed})
}

func (n *Node) handleListDocs(w http.ResponseWriter, r *http.Request) {
	s, err := n.Shard(mux.Vars(r)["ns"])
	if err != nil {
		n.writeError(w, err)
		return
	}
	ids, err := s.ListKeys()
	if err != nil {
		n.writeError(w, err)
		return
	}
	cluster.WriteJSON(w, struct {
		Shard string   `json:"shard"`
		Keys  []string `json:"keys"`
		Count int      `json:"count"`
	}{n.ID, ids, len(ids)})
}

func (n *Node) handleGetDoc(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	s, err := n.Shard(vars["ns"])
	if err != nil {
		n.writeError(w, err)
		return
	}
	doc, err := s.Get(vars["id"])
	if errors.Is(err, shard.ErrNotOwned) {
		n.refreshInBackground(s.Namespace)
	}
	if err != nil {
		n.writeError(w, err)
		return
	}
	cluster.WriteJSON(w, doc)
}

// handlePutDoc stores a document. A document whose shard key this node
// does not own is refused with 409 and the map is refreshed in the
// background, since the refusal may come from a stale map.
func (n *Node) handlePutDoc(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	s, err := n.Shard(vars["ns"])
	if err != nil {
		n.writeError(w, err)
		return
	}
	doc, err := readDocument(r.Body)
	if err != nil {
		n.writeError(w, err)
		return
	}
	err = s.Put(vars["id"], doc)
	if errors.Is(err, shard.ErrNotOwned) || errors.Is(err, partition.ErrNotPartitioned) {
		n.refreshInBackground(s.Namespace)
	}
	if err != nil {
		n.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (n *Node) handleDeleteDoc(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	s, err := n.Shard(vars["ns"])
	if err != nil {
		n.writeError(w, err)
		return
	}
	if err := s.Delete(vars["id"]); err != nil {
		n.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (n *Node) writeError(w http.ResponseWriter, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		n.logger.Errorf("%v", err)
	}
	cluster.WriteError(w, status, err)
}

// statusOf maps an error code to the HTTP status answered for it.
func statusOf(err error) int {
	switch errors.CodeOf(err) {
	case storage.ErrNotFound, partition.ErrNotPartitioned, catalog.ErrNamespaceNotFound:
		return http.StatusNotFound
	case shard.ErrNotOwned, partition.ErrOverlapConflict, partition.ErrNoExactMatch, metadata.ErrStaleVersion:
		return http.StatusConflict
	case shard.ErrBadDocument, partition.ErrMalformedChunk, partition.ErrBadShardKey, metadata.ErrBadDelta, storage.ErrBadNamespace:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func readDocument(body io.Reader) (keyspace.Document, error) {
	b, err := io.ReadAll(io.LimitReader(body, 16<<20))
	if err != nil {
		return nil, errors.Wrap(err, "reading body")
	}
	return shard.DecodeDocument(b)
}
