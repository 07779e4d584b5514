package metadata

import (
	"context"
	"fmt"
	"net/url"

	"golang.org/x/sync/singleflight"

	"github.com/dreamware/torua/internal/catalog"
	"github.com/dreamware/torua/internal/cluster"
	"github.com/dreamware/torua/internal/errors"
	"github.com/dreamware/torua/internal/logger"
	"github.com/dreamware/torua/internal/metrics"
	"github.com/dreamware/torua/internal/partition"
)

// ErrBadDelta means a delta names an operation the node does not know.
const ErrBadDelta errors.Code = "BadDelta"

// Fetcher returns the catalog snapshot of a collection for this node.
type Fetcher interface {
	Snapshot(ctx context.Context, ns string) (cluster.Snapshot, error)
}

// HTTPFetcher fetches snapshots from the coordinator's REST API.
type HTTPFetcher struct {
	Client      *cluster.Client
	Coordinator string // Base URL, e.g. http://127.0.0.1:8080
	Shard       string // This node's ID
}

func (f *HTTPFetcher) Snapshot(ctx context.Context, ns string) (cluster.Snapshot, error) {
	var snap cluster.Snapshot
	u := fmt.Sprintf("%s/collections/%s/snapshot?shard=%s", f.Coordinator, url.PathEscape(ns), url.QueryEscape(f.Shard))
	err := f.Client.GetJSON(ctx, u, &snap)
	return snap, err
}

// Syncer keeps a Holder in step with the catalog, either by rebuilding a
// map from a full snapshot or by applying incremental deltas.
type Syncer struct {
	holder *Holder
	fetch  Fetcher
	group  singleflight.Group
	logger logger.Logger
}

func NewSyncer(holder *Holder, fetch Fetcher, log logger.Logger) *Syncer {
	return &Syncer{holder: holder, fetch: fetch, logger: log}
}

// Refresh fetches the snapshot of ns, builds a map from it and installs
// it unless a newer map is already in place. When the collection is
// unknown or dropped the installed map is removed.
//
// Concurrent refreshes of the same namespace share one fetch. The shared
// fetch is not canceled with any single caller's ctx; a caller whose ctx
// ends stops waiting and gets ctx.Err() while the others keep waiting.
func (s *Syncer) Refresh(ctx context.Context, ns string) (*partition.PartitionMap, error) {
	shared := context.WithoutCancel(ctx)
	ch := s.group.DoChan(ns, func() (interface{}, error) {
		return s.refresh(shared, ns)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if !res.Shared {
			metrics.CounterRefreshes.WithLabelValues(metrics.Result(res.Err)).Inc()
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*partition.PartitionMap), nil
	}
}

func (s *Syncer) refresh(ctx context.Context, ns string) (*partition.PartitionMap, error) {
	snap, err := s.fetch.Snapshot(ctx, ns)
	if errors.Is(err, catalog.ErrNamespaceNotFound) {
		s.holder.Remove(ns)
		return nil, err
	} else if err != nil {
		return nil, errors.WithMessagef(err, "fetching snapshot of %s", ns)
	}

	m, err := partition.Build(snap.Collection, snap.Chunks)
	if errors.Is(err, partition.ErrNotPartitioned) {
		s.holder.Remove(ns)
		return nil, err
	} else if err != nil {
		s.logger.Errorf("invalid snapshot of %s: %v", ns, err)
		return nil, err
	}

	m, err = s.holder.Apply(ns, func(cur *partition.PartitionMap) (*partition.PartitionMap, error) {
		if cur == nil {
			return m, nil
		}
		if m.Version() < cur.Version() {
			// A delta got ahead of the snapshot.
			s.logger.Debugf("keeping %s at version %d over snapshot version %d", ns, cur.Version(), m.Version())
			return cur, nil
		}
		if !cur.ShardKey().Equal(m.ShardKey()) {
			s.logger.Infof("%s was resharded on %s", ns, m.ShardKey())
		}
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Infof("refreshed %s to version %d with %d chunks", ns, m.Version(), m.NumChunks())
	return m, nil
}

// ApplyDelta clones the installed map of ns with delta and publishes the
// result. A delta at or below the installed version has already been
// absorbed and is ignored. When the clone fails the installed map stays in
// place, a full refresh is attempted, and the clone's error is returned.
func (s *Syncer) ApplyDelta(ctx context.Context, ns string, delta cluster.ChunkDelta) (*partition.PartitionMap, error) {
	m, err := s.holder.Apply(ns, func(cur *partition.PartitionMap) (*partition.PartitionMap, error) {
		if cur == nil {
			return nil, errors.Newf(partition.ErrNotPartitioned, "no partition map loaded for %s", ns)
		}
		if delta.Version <= cur.Version() {
			s.logger.Debugf("ignoring %s delta at version %d for %s at version %d", delta.Op, delta.Version, ns, cur.Version())
			return cur, nil
		}
		switch delta.Op {
		case cluster.DeltaAdd:
			return cur.ClonePlus(delta.Min, delta.Max, delta.Version)
		case cluster.DeltaRemove:
			return cur.CloneMinus(delta.Min, delta.Max, delta.Version)
		case cluster.DeltaSplit:
			return cur.CloneSplit(delta.Min, delta.Max, delta.SplitPoints, delta.Version)
		}
		return nil, errors.Newf(ErrBadDelta, "unknown delta operation %q", delta.Op)
	})
	metrics.CounterCloneOperations.WithLabelValues(string(delta.Op), metrics.Result(err)).Inc()
	if err == nil {
		return m, nil
	}

	s.logger.Warnf("%s delta [%s, %s) at version %d for %s failed: %v", delta.Op, delta.Min, delta.Max, delta.Version, ns, err)
	if _, rerr := s.Refresh(ctx, ns); rerr != nil {
		s.logger.Errorf("refreshing %s after failed delta: %v", ns, rerr)
	}
	return nil, err
}
