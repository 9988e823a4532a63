package collect

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"lookout/internal/logging"
	"lookout/internal/model"
)

// SearchAccounts asks every registered adapter that supports account search
// for accounts matching q. A failing platform is logged and skipped; results
// are grouped by platform in registry order.
func SearchAccounts(ctx context.Context, reg *Registry, q string, limit int) ([]model.Account, error) {
	platforms := reg.Platforms()
	found := make(map[model.Platform][]model.Account, len(platforms))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, p := range platforms {
		ad, _ := reg.Get(p)
		s, ok := ad.(AccountSearcher)
		if !ok {
			continue
		}
		p := p
		g.Go(func() error {
			accounts, err := s.SearchAccounts(gctx, q, limit)
			if err != nil {
				logging.Warn("account_search_failed", map[string]any{"platform": string(p), "query": q, "error": err.Error()})
				return nil
			}
			mu.Lock()
			found[p] = accounts
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []model.Account
	for _, p := range platforms {
		out = append(out, found[p]...)
	}
	return out, nil
}
