// Package cluster defines the messages exchanged between the coordinator
// and the nodes, and the HTTP client both sides use to send them.
//
// # Topology
//
//	              ┌──────────────────┐
//	              │   Coordinator    │
//	              │ catalog, chunks, │
//	              │ health, notifier │
//	              └────────┬─────────┘
//	      snapshot / delta │ register / refresh
//	      ┌────────────────┼────────────────┐
//	┌─────▼─────┐    ┌─────▼─────┐    ┌─────▼─────┐
//	│  node-1   │    │  node-2   │    │  node-3   │
//	│ partition │    │ partition │    │ partition │
//	│   maps    │    │   maps    │    │   maps    │
//	└───────────┘    └───────────┘    └───────────┘
//
// # Messages
//
// RegisterRequest announces a node to the coordinator. Snapshot carries a
// collection's descriptor and the chunks one node owns; the node builds
// its partition map from it. ChunkDelta carries a single add, remove or
// split that a node applies by cloning its current map. SplitRequest and
// MoveRequest drive the coordinator's chunk operations.
//
// Shard key bounds travel as JSON arrays of extended JSON values, so
// [MinKey, 10) is sent as {"min":[{"$minKey":1}],"max":[10]}.
//
// # Client
//
// Client wraps a retryablehttp client: connection failures and 5xx answers
// are retried with exponential backoff up to a fixed number of times,
// while 4xx answers fail immediately. A failed request returns the coded
// error from the response body, so callers can test it with errors.Is from
// package internal/errors exactly as if it had been raised locally.
//
// WriteJSON and WriteError are the server side of the same conventions.
package cluster
