// Package metadata publishes the partition maps a node currently uses and
// keeps them in step with the coordinator's catalog.
package metadata

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/immutable"

	"github.com/dreamware/torua/internal/errors"
	"github.com/dreamware/torua/internal/logger"
	"github.com/dreamware/torua/internal/metrics"
	"github.com/dreamware/torua/internal/partition"
)

// ErrStaleVersion means a map older than the installed one was offered
// for publication.
const ErrStaleVersion errors.Code = "StaleVersion"

// Holder maps each collection namespace to the partition map currently in
// force. Readers never block: Get loads an immutable snapshot of the whole
// registry. Writers are serialized, and each one replaces the registry with
// a new snapshot.
type Holder struct {
	mu     sync.Mutex
	maps   atomic.Pointer[immutable.Map[string, *partition.PartitionMap]]
	logger logger.Logger
}

// NewHolder returns an empty holder.
func NewHolder(log logger.Logger) *Holder {
	h := &Holder{logger: log}
	h.maps.Store(immutable.NewMap[string, *partition.PartitionMap](nil))
	return h
}

// Get returns the map installed for ns.
func (h *Holder) Get(ns string) (*partition.PartitionMap, bool) {
	return h.maps.Load().Get(ns)
}

// Namespaces returns the namespaces with an installed map, sorted.
func (h *Holder) Namespaces() []string {
	var names []string
	itr := h.maps.Load().Iterator()
	for !itr.Done() {
		ns, _, _ := itr.Next()
		names = append(names, ns)
	}
	sort.Strings(names)
	return names
}

// Apply derives a new map for ns from the installed one, nil if there is
// none, and publishes it. fn runs with the writer lock held, so two calls
// never derive from the same base. A result whose version is below the
// installed map's is refused with ErrStaleVersion.
func (h *Holder) Apply(ns string, fn func(cur *partition.PartitionMap) (*partition.PartitionMap, error)) (*partition.PartitionMap, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	maps := h.maps.Load()
	cur, _ := maps.Get(ns)
	next, err := fn(cur)
	if err != nil {
		return nil, err
	}
	if next == cur {
		return cur, nil
	}
	if cur != nil && next.Version() < cur.Version() {
		return nil, errors.Newf(ErrStaleVersion, "%s: map version %d is older than installed version %d",
			ns, next.Version(), cur.Version())
	}

	h.maps.Store(maps.Set(ns, next))
	metrics.GaugeMapVersion.WithLabelValues(ns).Set(float64(next.Version()))
	h.logger.Debugf("installed %s", next)
	return next, nil
}

// Install publishes m as the map of its namespace.
func (h *Holder) Install(m *partition.PartitionMap) error {
	_, err := h.Apply(m.Namespace(), func(*partition.PartitionMap) (*partition.PartitionMap, error) {
		return m, nil
	})
	return err
}

// Remove forgets the map of ns. Ownership checks against ns fail afterwards.
func (h *Holder) Remove(ns string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	maps := h.maps.Load()
	if _, ok := maps.Get(ns); !ok {
		return
	}
	h.maps.Store(maps.Delete(ns))
	metrics.GaugeMapVersion.DeleteLabelValues(ns)
	h.logger.Infof("removed partition map of %s", ns)
}
