package store

import "context"

// Pagination bounds applied by Page.Normalize.
const (
	DefaultPageLimit = 50
	MaxPageLimit     = 500
)

// Page is a limit/offset window over a listing.
type Page struct {
	Limit  int
	Offset int
}

// Normalize clamps the page to sane bounds.
func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// Stores bundles the record stores of one backend.
type Stores struct {
	Tasks      TaskStore
	Jobs       BatchJobStore
	Executions ExecutionStore
	Results    ResultStore
}

// Transactor runs fn against stores bound to a single transaction. The
// transaction commits when fn returns nil and rolls back otherwise.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context, s Stores) error) error
}
