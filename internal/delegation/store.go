package delegation

import "context"

// Store persists delegation metadata.
type Store interface {
	// Load returns the record for a task, or ErrTaskNotFound.
	Load(ctx context.Context, taskID string) (*Meta, error)
	// Save upserts a record.
	Save(ctx context.Context, meta *Meta) error
	// List returns all records, most recently updated first.
	List(ctx context.Context) ([]*Meta, error)
	Close() error
}
