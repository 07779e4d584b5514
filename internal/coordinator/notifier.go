package coordinator

import (
	"context"
	"fmt"
	"net/url"

	"golang.org/x/sync/errgroup"

	"github.com/dreamware/torua/internal/cluster"
	"github.com/dreamware/torua/internal/logger"
)

// Notifier tells nodes about catalog changes that affect their partition
// maps.
type Notifier interface {
	// Notify delivers deltas to each node, in order per node.
	Notify(ctx context.Context, ns string, deltas map[string][]cluster.ChunkDelta) error

	// Refresh asks each node to reload its map of ns from a snapshot.
	Refresh(ctx context.Context, ns string, nodes []string) error
}

// HTTPNotifier delivers notifications to the nodes' REST endpoints. Nodes
// are contacted concurrently; a failure for one node does not stop
// delivery to the others.
type HTTPNotifier struct {
	client *cluster.Client
	nodes  *NodeDirectory
	logger logger.Logger
}

func NewHTTPNotifier(client *cluster.Client, nodes *NodeDirectory, log logger.Logger) *HTTPNotifier {
	return &HTTPNotifier{client: client, nodes: nodes, logger: log}
}

func (n *HTTPNotifier) Notify(ctx context.Context, ns string, deltas map[string][]cluster.ChunkDelta) error {
	var g errgroup.Group
	for id, ds := range deltas {
		id, ds := id, ds
		g.Go(func() error {
			node, err := n.nodes.Get(id)
			if err != nil {
				return err
			}
			u := fmt.Sprintf("%s/collections/%s/chunks", node.Addr, url.PathEscape(ns))
			for _, d := range ds {
				if err := n.client.PostJSON(ctx, u, d, nil); err != nil {
					n.logger.Warnf("delivering %s delta for %s to %s: %v", d.Op, ns, id, err)
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

func (n *HTTPNotifier) Refresh(ctx context.Context, ns string, nodes []string) error {
	var g errgroup.Group
	for _, id := range nodes {
		id := id
		g.Go(func() error {
			node, err := n.nodes.Get(id)
			if err != nil {
				return err
			}
			u := fmt.Sprintf("%s/collections/%s/refresh", node.Addr, url.PathEscape(ns))
			if err := n.client.PostJSON(ctx, u, nil, nil); err != nil {
				n.logger.Warnf("refreshing %s on %s: %v", ns, id, err)
				return err
			}
			return nil
		})
	}
	return g.Wait()
}
