// Package memory defines the tenant-scoped memory store contract and the
// record model shared by every backend. Each record belongs to exactly one
// tenant (the authenticated subject); no operation can see or touch another
// tenant's records.
package memory

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates the record does not exist for the tenant. A record
// that exists under a different tenant is still ErrNotFound; existence must
// not leak across tenants.
var ErrNotFound = errors.New("memory: record not found")

// ErrInvalidArgument indicates the caller supplied unusable input, such as
// empty content.
var ErrInvalidArgument = errors.New("memory: invalid argument")

// ErrUnavailable indicates the backing store cannot be reached.
var ErrUnavailable = errors.New("memory: store unavailable")

// Record is one stored memory.
type Record struct {
	ID        string    `json:"id"`
	Tenant    string    `json:"-"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Controller is the tenant-scoped store behind the memory tools. All methods
// are safe for concurrent use.
type Controller interface {
	// Add stores new content for the tenant and returns the created record.
	Add(ctx context.Context, tenant, content string) (*Record, error)
	// GetAll returns every record for the tenant, newest first. A tenant with
	// no records gets an empty slice, not an error.
	GetAll(ctx context.Context, tenant string) ([]Record, error)
	// Search returns the tenant's records relevant to the query, most
	// relevant first. No matches is an empty slice.
	Search(ctx context.Context, tenant, query string) ([]Record, error)
	// Update replaces the content of an existing record and returns the
	// updated record. A record owned by another tenant is ErrNotFound.
	Update(ctx context.Context, tenant, id, content string) (*Record, error)
}
