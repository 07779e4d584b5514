package partition

import "github.com/dreamware/torua/internal/errors"

// Validation failures. Every failed Build or clone returns an error carrying
// exactly one of these codes and leaves existing maps untouched.
const (
	// ErrNotPartitioned means the collection is not shard-managed here,
	// typically because it is being dropped.
	ErrNotPartitioned errors.Code = "NotPartitioned"

	// ErrBadShardKey means the descriptor's key definition is missing or
	// malformed.
	ErrBadShardKey errors.Code = "BadShardKey"

	// ErrMalformedChunk means a chunk's bounds are inverted, do not match the
	// shard key's arity, or belong to another namespace.
	ErrMalformedChunk errors.Code = "MalformedChunk"

	// ErrOverlapConflict means two chunks would cover the same key.
	ErrOverlapConflict errors.Code = "OverlapConflict"

	// ErrNoExactMatch means no owned chunk has exactly the requested bounds.
	ErrNoExactMatch errors.Code = "NoExactMatch"
)
