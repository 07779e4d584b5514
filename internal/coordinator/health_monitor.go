package coordinator

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/dreamware/torua/internal/cluster"
	"github.com/dreamware/torua/internal/errors"
	"github.com/dreamware/torua/internal/logger"
)

// Node health states.
const (
	StatusUnknown   = "unknown"
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// NodeHealth tracks the health status of a single node in the cluster.
// Protected by HealthMonitor's mutex when accessed.
type NodeHealth struct {
	LastCheck        time.Time `json:"lastCheck"`        // Timestamp of the last health check attempt
	LastHealthy      time.Time `json:"lastHealthy"`      // Timestamp of the last successful health check
	NodeID           string    `json:"nodeId"`           // Unique identifier of the node
	Status           string    `json:"status"`           // One of StatusUnknown, StatusHealthy, StatusUnhealthy
	ConsecutiveFails int       `json:"consecutiveFails"` // Number of consecutive failed health checks
}

// HealthMonitor performs periodic health checks on all registered nodes.
// When a node fails maxFailures checks in a row the unhealthy callback
// runs, which the coordinator uses to move the node's chunks elsewhere.
// All methods are safe for concurrent access.
type HealthMonitor struct {
	nodes       map[string]*NodeHealth                       // Current health status per node
	client      *cluster.Client                              // Client for health checks, no retries
	checkFunc   func(ctx context.Context, addr string) error // Function to perform health check
	onUnhealthy func(nodeID string)                          // Callback when node becomes unhealthy
	logger      logger.Logger
	ctx         context.Context    // Context for cancellation
	cancel      context.CancelFunc // Cancel function for shutdown
	interval    time.Duration      // How often to check node health
	timeout     time.Duration      // Timeout of a single health check
	mu          sync.RWMutex       // Protects nodes map
	wg          sync.WaitGroup     // Wait group for graceful shutdown
	maxFailures int                // Failures before marking unhealthy
}

// NewHealthMonitor creates a monitor that checks each node's /health
// endpoint every interval. Nodes are marked unhealthy after 3 consecutive
// failures.
//
// Parameters:
//   - interval: How often to perform health checks (recommended: 5s)
//   - log: Destination of state transitions and failed checks
//
// Returns:
//   - *HealthMonitor: Configured monitor, not yet started
//
// Example:
//
//	monitor := NewHealthMonitor(5*time.Second, logger.StderrLogger)
//	monitor.SetOnUnhealthy(func(id string) { registry.RedistributeNode(ctx, id, healthy()) })
//	go monitor.Start(ctx, nodes.All)
func NewHealthMonitor(interval time.Duration, log logger.Logger) *HealthMonitor {
	ctx, cancel := context.WithCancel(context.Background())

	return &HealthMonitor{
		interval:    interval,
		timeout:     2 * time.Second,
		maxFailures: 3,
		nodes:       make(map[string]*NodeHealth),
		client:      cluster.NewClient(log, 0, 2*time.Second),
		logger:      log,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// SetOnUnhealthy sets the function invoked, in its own goroutine, when a
// node becomes unhealthy. It fires once per transition, not once per
// failed check.
//
// Parameters:
//   - callback: Function called with the ID of the node that went unhealthy
//
// Example:
//
//	monitor.SetOnUnhealthy(func(id string) {
//	    moved, err := registry.RedistributeNode(ctx, id, monitor.HealthyNodes(nodes.IDs()))
//	    log.Infof("moved %d chunks off %s: %v", moved, id, err)
//	})
func (h *HealthMonitor) SetOnUnhealthy(callback func(nodeID string)) {
	h.onUnhealthy = callback
}

// Start checks the nodes returned by nodeProvider immediately and then
// every interval. It blocks until ctx is canceled or Stop is called.
//
// Parameters:
//   - ctx: Context for cancellation; nil falls back to the monitor's own
//   - nodeProvider: Function returning the current list of nodes, called
//     once per round; nodes no longer listed are forgotten
//
// Example:
//
//	go monitor.Start(ctx, directory.All)
//	defer monitor.Stop()
func (h *HealthMonitor) Start(ctx context.Context, nodeProvider func() []cluster.NodeInfo) {
	h.wg.Add(1)
	defer h.wg.Done()

	if ctx == nil {
		ctx = h.ctx
	}
	if h.checkFunc == nil {
		h.checkFunc = h.defaultHealthCheck
	}

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.logger.Infof("health monitor started with interval %v", h.interval)
	h.checkAllNodes(nodeProvider())

	for {
		select {
		case <-ticker.C:
			h.checkAllNodes(nodeProvider())
		case <-ctx.Done():
			h.logger.Debugf("health monitor stopping: %v", ctx.Err())
			return
		case <-h.ctx.Done():
			h.logger.Debugf("health monitor stopping")
			return
		}
	}
}

// Stop cancels the monitoring goroutine and waits for it to return.
func (h *HealthMonitor) Stop() {
	h.cancel()
	h.wg.Wait()
	h.logger.Infof("health monitor stopped")
}

// checkAllNodes checks each of nodes and forgets nodes no longer listed.
func (h *HealthMonitor) checkAllNodes(nodes []cluster.NodeInfo) {
	currentNodes := make(map[string]bool)

	for _, node := range nodes {
		currentNodes[node.ID] = true
		h.checkNode(node)
	}

	h.mu.Lock()
	for nodeID := range h.nodes {
		if !currentNodes[nodeID] {
			delete(h.nodes, nodeID)
			h.logger.Infof("removed node %s from health monitoring", nodeID)
		}
	}
	h.mu.Unlock()
}

// checkNode checks a single node and updates its record. The unhealthy
// callback fires once per transition into StatusUnhealthy.
func (h *HealthMonitor) checkNode(node cluster.NodeInfo) {
	h.mu.Lock()
	health, exists := h.nodes[node.ID]
	if !exists {
		health = &NodeHealth{
			NodeID:      node.ID,
			Status:      StatusUnknown,
			LastCheck:   time.Now(),
			LastHealthy: time.Now(),
		}
		h.nodes[node.ID] = health
	}
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(h.ctx, h.timeout)
	err := h.checkFunc(ctx, node.Addr)
	cancel()

	h.mu.Lock()
	defer h.mu.Unlock()

	health.LastCheck = time.Now()

	if err != nil {
		health.ConsecutiveFails++
		h.logger.Warnf("health check failed for node %s (attempt %d/%d): %v",
			node.ID, health.ConsecutiveFails, h.maxFailures, err)

		if health.ConsecutiveFails >= h.maxFailures {
			previousStatus := health.Status
			health.Status = StatusUnhealthy

			if previousStatus != StatusUnhealthy && h.onUnhealthy != nil {
				h.logger.Errorf("node %s marked as unhealthy after %d failures",
					node.ID, health.ConsecutiveFails)
				go h.onUnhealthy(node.ID)
			}
		}
		return
	}

	if health.Status == StatusUnhealthy {
		h.logger.Infof("node %s recovered and is now healthy", node.ID)
	}
	health.Status = StatusHealthy
	health.ConsecutiveFails = 0
	health.LastHealthy = time.Now()
}

// defaultHealthCheck GETs the node's /health endpoint. addr may be a full
// URL or host:port.
func (h *HealthMonitor) defaultHealthCheck(ctx context.Context, addr string) error {
	url := addr
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		url = "http://" + addr
	}
	if !strings.HasSuffix(url, "/health") {
		url = strings.TrimRight(url, "/") + "/health"
	}
	if err := h.client.GetJSON(ctx, url, nil); err != nil {
		return errors.WithMessage(err, "health check")
	}
	return nil
}

// GetNodeHealth returns a copy of the health record of nodeID, or nil if
// the node is not monitored.
func (h *HealthMonitor) GetNodeHealth(nodeID string) *NodeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health, exists := h.nodes[nodeID]
	if !exists {
		return nil
	}
	cp := *health
	return &cp
}

// GetAllNodeHealth returns copies of the health records of all monitored
// nodes, keyed by node ID.
func (h *HealthMonitor) GetAllNodeHealth() map[string]*NodeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	result := make(map[string]*NodeHealth, len(h.nodes))
	for id, health := range h.nodes {
		cp := *health
		result[id] = &cp
	}
	return result
}

// IsHealthy reports whether nodeID is monitored and healthy.
func (h *HealthMonitor) IsHealthy(nodeID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health, exists := h.nodes[nodeID]
	return exists && health.Status == StatusHealthy
}

// HealthyNodes returns the IDs among nodes that are not known to be
// unhealthy. Nodes not yet checked count as healthy.
//
// Parameters:
//   - nodes: Candidate node IDs, usually every registered node
//
// Returns:
//   - []string: The candidates in their original order, minus unhealthy ones
func (h *HealthMonitor) HealthyNodes(nodes []string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var healthy []string
	for _, id := range nodes {
		if health, ok := h.nodes[id]; ok && health.Status == StatusUnhealthy {
			continue
		}
		healthy = append(healthy, id)
	}
	return healthy
}

// SetCheckFunction overrides the health check, for tests or custom checks.
func (h *HealthMonitor) SetCheckFunction(checkFunc func(ctx context.Context, addr string) error) {
	h.checkFunc = checkFunc
}
