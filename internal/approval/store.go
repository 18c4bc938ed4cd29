package approval

import "context"

// Store persists StoredRequests with conditional transition semantics.
//
// Logical conflicts (unknown id, already decided, already expired) are reported
// as nil records or false results. Errors are reserved for backend failures.
type Store interface {
	// Put upserts rec unconditionally.
	Put(ctx context.Context, rec *StoredRequest) error
	// Get returns the record or nil. A pending record past its expiry is
	// flipped to expired before it is returned.
	Get(ctx context.Context, id string) (*StoredRequest, error)
	// ApplyDecision is a compare-and-swap on status == pending and now < expiresAt.
	// Only one concurrent caller can succeed. A pending record found past expiry
	// is flipped to expired and false is returned.
	ApplyDecision(ctx context.Context, id string, kind DecisionKind, responder, message string) (bool, error)
	// MarkExpired is a compare-and-swap from pending to expired.
	MarkExpired(ctx context.Context, id string) (bool, error)
	// AttachHandle records the notification handle without touching status.
	AttachHandle(ctx context.Context, id, handle string) error
	// Remove deletes the record unconditionally.
	Remove(ctx context.Context, id string) error
	// List returns records matching q, oldest first.
	List(ctx context.Context, q Query) ([]StoredRequest, error)
	Close() error
}

// Purger is implemented by backends that evict records past their retention window.
type Purger interface {
	Purge(ctx context.Context) (int, error)
}
