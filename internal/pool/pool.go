// Package pool defines the shared entity pool: search terms and accounts that
// are deduplicated across monitors and owned through tag sets of monitor ids.
//
// Entities are never deleted. A term or account whose tag set becomes empty
// stays in the pool and is reused when any monitor asks for it again.
package pool

import (
	"context"

	"lookout/internal/model"
)

// Terms is the search term side of the pool.
type Terms interface {
	TermsByTag(ctx context.Context, tag string) ([]model.SearchTerm, error)
	TermByValue(ctx context.Context, term string) (model.SearchTerm, bool, error)
	// InsertTerms inserts each term unless one with the same text exists, in
	// which case the given tags are merged into the existing record. The
	// stored records are returned in input order. Insert-if-absent is atomic
	// per term text.
	InsertTerms(ctx context.Context, terms []model.SearchTerm) ([]model.SearchTerm, error)
	// AddTermTag and RemoveTermTag change a single (term, tag) link and leave
	// every other tag of the term untouched. Unknown ids are ignored.
	AddTermTag(ctx context.Context, id, tag string) error
	RemoveTermTag(ctx context.Context, id, tag string) error
}

// Accounts is the account side of the pool. Identity is the account id;
// (platform, platform_id) pairs may repeat.
type Accounts interface {
	AccountsByTag(ctx context.Context, tag string) ([]model.Account, error)
	AccountByID(ctx context.Context, id string) (model.Account, bool, error)
	InsertAccounts(ctx context.Context, accounts []model.Account) error
	AddAccountTag(ctx context.Context, id, tag string) error
	RemoveAccountTag(ctx context.Context, id, tag string) error
}

// Pool is the full shared entity pool.
type Pool interface {
	Terms
	Accounts
}
