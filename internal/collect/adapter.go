// Package collect runs boolean queries against remote platforms through a
// single paginated loop parameterized by a per-platform Adapter.
package collect

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"lookout/internal/model"
	"lookout/internal/query"
)

// RawItem is one remote result before mapping. Text is what the local filter
// runs against; Payload is kept as the post's API dump. Err is set when the
// adapter could not decode the item; such items are skipped, never filtered.
type RawItem struct {
	ID      string
	Text    string
	Payload json.RawMessage
	Err     error
}

// PageRequest asks an adapter for one page. Query is empty for account-only
// tasks; with query.Or the platform should OR the keywords natively.
type PageRequest struct {
	Cursor   string
	Query    []string
	Operator query.Operator
	Excluded []string
	Range    model.DateRange
	Accounts []model.Account
	PageSize int
}

// Page is one remote response. An empty NextCursor means no more pages.
type Page struct {
	Items      []RawItem
	NextCursor string
}

// CountRequest asks for the number of remote hits without fetching posts.
type CountRequest struct {
	Keywords []string
	Operator query.Operator
	Excluded []string
	Range    model.DateRange
	Accounts []model.Account
}

// Adapter is the per-platform capability the collector drives.
type Adapter interface {
	Platform() model.Platform
	FetchPage(ctx context.Context, req PageRequest) (Page, error)
	CountHits(ctx context.Context, req CountRequest) (int, error)
	MapPost(item RawItem, task model.CollectTask) (model.Post, error)
}

// AccountSearcher is implemented by adapters that can look accounts up by name.
type AccountSearcher interface {
	SearchAccounts(ctx context.Context, q string, limit int) ([]model.Account, error)
}

// RemoteFetchError wraps a failed or malformed remote call.
type RemoteFetchError struct {
	Platform model.Platform
	Op       string
	Err      error
}

func (e *RemoteFetchError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Platform, e.Op, e.Err)
}

func (e *RemoteFetchError) Unwrap() error { return e.Err }

// MappingError reports a raw item that could not become a Post.
type MappingError struct {
	Platform model.Platform
	ItemID   string
	Err      error
}

func (e *MappingError) Error() string {
	return fmt.Sprintf("map %s item %s: %v", e.Platform, e.ItemID, e.Err)
}

func (e *MappingError) Unwrap() error { return e.Err }

// Registry maps platforms to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[model.Platform]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[model.Platform]Adapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds or replaces the adapter for a.Platform().
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Platform()] = a
}

func (r *Registry) Get(p model.Platform) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[p]
	return a, ok
}

// Platforms lists registered platforms in model.Platforms order.
func (r *Registry) Platforms() []model.Platform {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Platform, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	rank := func(p model.Platform) int {
		for i, k := range model.Platforms {
			if k == p {
				return i
			}
		}
		return len(model.Platforms)
	}
	sort.Slice(out, func(i, j int) bool { return rank(out[i]) < rank(out[j]) })
	return out
}
