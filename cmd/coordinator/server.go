package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/torua/internal/catalog"
	"github.com/dreamware/torua/internal/cluster"
	"github.com/dreamware/torua/internal/coordinator"
	"github.com/dreamware/torua/internal/errors"
	"github.com/dreamware/torua/internal/keyspace"
	"github.com/dreamware/torua/internal/logger"
	"github.com/dreamware/torua/internal/metrics"
	"github.com/dreamware/torua/internal/partition"
	"github.com/dreamware/torua/internal/shard"
	"github.com/dreamware/torua/internal/storage"
)

// ErrBadRequest means a request body or parameter could not be used.
const ErrBadRequest errors.Code = "BadRequest"

type server struct {
	catalog  *catalog.Catalog
	nodes    *coordinator.NodeDirectory
	registry *coordinator.ChunkRegistry
	client   *cluster.Client
	monitor  *coordinator.HealthMonitor
	logger   logger.Logger
}

func newServer(cat *catalog.Catalog, log logger.Logger) *server {
	nodes := coordinator.NewNodeDirectory()
	client := cluster.NewClient(log, 2, 5*time.Second)
	notifier := coordinator.NewHTTPNotifier(client, nodes, log)
	return &server{
		catalog:  cat,
		nodes:    nodes,
		registry: coordinator.NewChunkRegistry(cat, nodes, notifier, log),
		client:   client,
		logger:   log,
	}
}

// newHealthMonitor returns a monitor that moves the chunks of a node off it
// once the node is marked unhealthy.
func (s *server) newHealthMonitor(ctx context.Context, interval time.Duration) *coordinator.HealthMonitor {
	m := coordinator.NewHealthMonitor(interval, s.logger)
	m.SetOnUnhealthy(func(id string) {
		healthy := m.HealthyNodes(s.nodes.IDs())
		n, err := s.registry.RedistributeNode(ctx, id, healthy)
		if err != nil {
			s.logger.Errorf("redistributing chunks of %s: %v", id, err)
			return
		}
		s.logger.Infof("node %s is unhealthy; moved %d chunks to %v", id, n, healthy)
	})
	return m
}

// Router returns the coordinator's HTTP routes.
func (s *server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/register", s.handleRegister).Methods(http.MethodPost)
	r.HandleFunc("/nodes", s.handleListNodes).Methods(http.MethodGet)
	r.HandleFunc("/broadcast", s.handleBroadcast).Methods(http.MethodPost)

	r.HandleFunc("/collections", s.handleCreateCollection).Methods(http.MethodPost)
	r.HandleFunc("/collections", s.handleListCollections).Methods(http.MethodGet)
	r.HandleFunc("/collections/{ns}", s.handleGetCollection).Methods(http.MethodGet)
	r.HandleFunc("/collections/{ns}", s.handleDropCollection).Methods(http.MethodDelete)
	r.HandleFunc("/collections/{ns}/chunks", s.handleListChunks).Methods(http.MethodGet)
	r.HandleFunc("/collections/{ns}/snapshot", s.handleSnapshot).Methods(http.MethodGet)
	r.HandleFunc("/collections/{ns}/split", s.handleSplit).Methods(http.MethodPost)
	r.HandleFunc("/collections/{ns}/move", s.handleMove).Methods(http.MethodPost)

	r.HandleFunc("/data/{ns}/{id}", s.handlePutData).Methods(http.MethodPut)
	r.HandleFunc("/data/{ns}/{id}", s.handleGetData).Methods(http.MethodGet)
	r.HandleFunc("/data/{ns}/{id}", s.handleDeleteData).Methods(http.MethodDelete)
	return r
}

func (s *server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req cluster.RegisterRequest
	if err := decode(r.Body, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Node.ID == "" || req.Node.Addr == "" {
		s.writeError(w, errors.New(ErrBadRequest, "missing id/addr"))
		return
	}
	if s.nodes.Register(req.Node) {
		s.logger.Infof("node %s registered at %s", req.Node.ID, req.Node.Addr)
	} else {
		s.logger.Debugf("node %s re-registered at %s", req.Node.ID, req.Node.Addr)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleListNodes(w http.ResponseWriter, _ *http.Request) {
	resp := struct {
		Nodes  []cluster.NodeInfo                  `json:"nodes"`
		Health map[string]*coordinator.NodeHealth `json:"health,omitempty"`
	}{Nodes: s.nodes.All()}
	if s.monitor != nil {
		resp.Health = s.monitor.GetAllNodeHealth()
	}
	cluster.WriteJSON(w, resp)
}

// handleBroadcast forwards a payload to the same path on every node,
// concurrently, and reports the outcome per node.
func (s *server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req cluster.BroadcastRequest
	if err := decode(r.Body, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Path == "" || req.Path[0] != '/' {
		s.writeError(w, errors.New(ErrBadRequest, "path must start with '/'"))
		return
	}

	type result struct {
		NodeID string `json:"node_id"`
		Err    string `json:"err,omitempty"`
	}
	targets := s.nodes.All()
	out := make([]result, len(targets))

	ctx, cancel := context.WithTimeout(r.Context(), 4*time.Second)
	defer cancel()

	var g errgroup.Group
	for i, n := range targets {
		i, n := i, n
		g.Go(func() error {
			out[i].NodeID = n.ID
			if err := s.client.PostJSON(ctx, n.Addr+req.Path, req.Payload, nil); err != nil {
				out[i].Err = err.Error()
			}
			return nil
		})
	}
	_ = g.Wait()

	cluster.WriteJSON(w, struct {
		SentTo  int      `json:"sent_to"`
		Results []result `json:"results"`
	}{SentTo: len(targets), Results: out})
}

// CollectionResponse is the body answered when a collection is created.
type CollectionResponse struct {
	Collection catalog.Collection      `json:"collection"`
	Chunks     []partition.ChunkRecord `json:"chunks"`
}

func (s *server) handleCreateCollection(w http.ResponseWriter, r *http.Request) {
	var req cluster.ShardCollectionRequest
	if err := decode(r.Body, &req); err != nil {
		s.writeError(w, err)
		return
	}
	coll, chunks, err := s.registry.AssignCollection(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	cluster.WriteJSON(w, CollectionResponse{Collection: coll, Chunks: chunks})
}

func (s *server) handleListCollections(w http.ResponseWriter, _ *http.Request) {
	colls, err := s.catalog.Collections()
	if err != nil {
		s.writeError(w, err)
		return
	}
	if colls == nil {
		colls = []catalog.Collection{}
	}
	cluster.WriteJSON(w, colls)
}

func (s *server) handleGetCollection(w http.ResponseWriter, r *http.Request) {
	coll, err := s.catalog.Collection(mux.Vars(r)["ns"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	cluster.WriteJSON(w, coll)
}

func (s *server) handleDropCollection(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.DropCollection(r.Context(), mux.Vars(r)["ns"]); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleListChunks(w http.ResponseWriter, r *http.Request) {
	chunks, err := s.catalog.Chunks(mux.Vars(r)["ns"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	if chunks == nil {
		chunks = []partition.ChunkRecord{}
	}
	cluster.WriteJSON(w, chunks)
}

// handleSnapshot answers the collection descriptor and the chunks placed on
// the node named by the shard parameter.
func (s *server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	node := r.URL.Query().Get("shard")
	if node == "" {
		s.writeError(w, errors.New(ErrBadRequest, "shard parameter is required"))
		return
	}
	coll, chunks, err := s.catalog.Snapshot(mux.Vars(r)["ns"], node)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if chunks == nil {
		chunks = []partition.ChunkRecord{}
	}
	cluster.WriteJSON(w, cluster.Snapshot{Collection: coll, Chunks: chunks})
}

func (s *server) handleSplit(w http.ResponseWriter, r *http.Request) {
	var req cluster.SplitRequest
	if err := decode(r.Body, &req); err != nil {
		s.writeError(w, err)
		return
	}
	left, right, err := s.registry.Split(r.Context(), mux.Vars(r)["ns"], req.At)
	if err != nil {
		s.writeError(w, err)
		return
	}
	cluster.WriteJSON(w, []partition.ChunkRecord{left, right})
}

func (s *server) handleMove(w http.ResponseWriter, r *http.Request) {
	var req cluster.MoveRequest
	if err := decode(r.Body, &req); err != nil {
		s.writeError(w, err)
		return
	}
	chunk, err := s.registry.Move(r.Context(), mux.Vars(r)["ns"], req.Min, req.To)
	if err != nil {
		s.writeError(w, err)
		return
	}
	cluster.WriteJSON(w, chunk)
}

// handlePutData routes a document to the node owning its shard key.
func (s *server) handlePutData(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	body, err := io.ReadAll(io.LimitReader(r.Body, 16<<20))
	if err != nil {
		s.writeError(w, errors.Wrap(err, "reading body"))
		return
	}
	doc, err := shard.DecodeDocument(body)
	if err != nil {
		s.writeError(w, err)
		return
	}
	node, err := s.registry.GetNodeForKey(vars["ns"], doc)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.client.PutJSON(r.Context(), docURL(node, vars["ns"], vars["id"]), doc, nil); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleGetData asks every node holding chunks of the collection for the
// document, since its shard key is not known from the id alone.
func (s *server) handleGetData(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	owners, err := s.owners(vars["ns"])
	if err != nil {
		s.writeError(w, err)
		return
	}

	found := make([]keyspace.Document, len(owners))
	var g errgroup.Group
	for i, node := range owners {
		i, node := i, node
		g.Go(func() error {
			var doc keyspace.Document
			err := s.client.GetJSON(r.Context(), docURL(node, vars["ns"], vars["id"]), &doc)
			if errors.Is(err, storage.ErrNotFound) || errors.Is(err, shard.ErrNotOwned) {
				return nil
			} else if err != nil {
				return errors.WithMessagef(err, "node %s", node.ID)
			}
			found[i] = doc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.writeError(w, err)
		return
	}
	for _, doc := range found {
		if doc != nil {
			cluster.WriteJSON(w, doc)
			return
		}
	}
	s.writeError(w, errors.Newf(storage.ErrNotFound, "document %s not found in %s", vars["id"], vars["ns"]))
}

// handleDeleteData deletes the document from every node holding chunks of
// the collection.
func (s *server) handleDeleteData(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	owners, err := s.owners(vars["ns"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	var g errgroup.Group
	for _, node := range owners {
		node := node
		g.Go(func() error {
			return s.client.Delete(r.Context(), docURL(node, vars["ns"], vars["id"]))
		})
	}
	if err := g.Wait(); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// owners returns the registered nodes holding at least one chunk of ns.
func (s *server) owners(ns string) ([]cluster.NodeInfo, error) {
	coll, err := s.catalog.Collection(ns)
	if err != nil {
		return nil, err
	}
	if coll.Dropped {
		return nil, errors.Newf(catalog.ErrNamespaceNotFound, "collection %s is dropped", ns)
	}
	chunks, err := s.catalog.Chunks(ns)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var owners []cluster.NodeInfo
	for _, c := range chunks {
		if seen[c.Shard] {
			continue
		}
		seen[c.Shard] = true
		node, err := s.nodes.Get(c.Shard)
		if err != nil {
			s.logger.Warnf("chunk %s is placed on unregistered node %s", c.ID, c.Shard)
			continue
		}
		owners = append(owners, node)
	}
	sort.Slice(owners, func(i, j int) bool { return owners[i].ID < owners[j].ID })
	return owners, nil
}

func docURL(node cluster.NodeInfo, ns, id string) string {
	return fmt.Sprintf("%s/collections/%s/docs/%s", node.Addr, url.PathEscape(ns), url.PathEscape(id))
}

func (s *server) writeError(w http.ResponseWriter, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		s.logger.Errorf("%v", err)
	}
	cluster.WriteError(w, status, err)
}

// statusOf maps an error code to the HTTP status answered for it.
func statusOf(err error) int {
	switch errors.CodeOf(err) {
	case catalog.ErrNamespaceNotFound, storage.ErrNotFound, partition.ErrNotPartitioned, coordinator.ErrNodeNotFound:
		return http.StatusNotFound
	case catalog.ErrNamespaceExists, partition.ErrNoExactMatch, partition.ErrOverlapConflict, shard.ErrNotOwned:
		return http.StatusConflict
	case ErrBadRequest, partition.ErrMalformedChunk, partition.ErrBadShardKey, shard.ErrBadDocument, storage.ErrBadNamespace:
		return http.StatusBadRequest
	case coordinator.ErrNoNodes:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func decode(body io.Reader, v interface{}) error {
	if err := json.NewDecoder(body).Decode(v); err != nil {
		return errors.Newf(ErrBadRequest, "decoding request: %v", err)
	}
	return nil
}
