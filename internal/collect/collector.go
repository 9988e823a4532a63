package collect

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"lookout/internal/config"
	"lookout/internal/logging"
	"lookout/internal/metrics"
	"lookout/internal/model"
	"lookout/internal/query"
)

// State is where paging stopped.
type State string

const (
	StateExhausted     State = "EXHAUSTED"
	StateBudgetReached State = "BUDGET_REACHED"
	StateError         State = "ERROR"
	StateCancelled     State = "CANCELLED"
)

// Result is the outcome of one task. Posts are kept even when State is
// StateError; Err then holds the RemoteFetchError that stopped paging.
type Result struct {
	Posts    []model.Post
	State    State
	Requests int // page requests issued
	Fetched  int // raw items returned by the platform
	Filtered int // raw items rejected by the local filter
	Skipped  int // raw items that failed mapping
	Err      error
}

// Collector runs collect tasks against the adapters of a Registry.
type Collector struct {
	registry *Registry
	cfg      config.CollectConfig
	now      func() time.Time
}

func New(registry *Registry, cfg config.CollectConfig) *Collector {
	return &Collector{registry: registry, cfg: cfg, now: time.Now}
}

func (c *Collector) adapter(p model.Platform) (Adapter, error) {
	a, ok := c.registry.Get(p)
	if !ok {
		return nil, fmt.Errorf("no adapter registered for platform %q", p)
	}
	return a, nil
}

// decompose returns nil for account-only tasks, which are neither anchored
// nor filtered.
func decompose(task model.CollectTask) (*query.Decomposition, error) {
	if strings.TrimSpace(task.Query) == "" && len(task.Accounts) > 0 {
		return nil, nil
	}
	d, err := query.Decompose(task.Query)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// stopState maps a finished context to a terminal state. A deadline is a
// wall-clock budget; anything else is a cancellation.
func stopState(err error) State {
	if errors.Is(err, context.DeadlineExceeded) {
		return StateBudgetReached
	}
	return StateCancelled
}

// Run executes task: decompose once, page until a terminal condition, then map.
// It returns an error only for tasks that cannot start (no adapter, bad query).
func (c *Collector) Run(ctx context.Context, task model.CollectTask) (Result, error) {
	var res Result
	ad, err := c.adapter(task.Platform)
	if err != nil {
		return res, err
	}
	filter, err := decompose(task)
	if err != nil {
		return res, err
	}
	platform := string(task.Platform)
	start := c.now()
	metrics.CollectRuns.WithLabelValues(platform).Inc()
	defer metrics.ObserveCollectDuration(platform, start)

	budget := c.cfg.ProfilesFor(task.Platform).Select(task.Sample)
	rng := task.Range.Resolve(start)
	var deadline time.Time
	if c.cfg.TaskTimeout > 0 {
		deadline = start.Add(c.cfg.TaskTimeout)
	}
	fields := map[string]any{"platform": platform, "monitor_id": task.MonitorID, "sample": task.Sample}

	req := PageRequest{Range: rng, Accounts: task.Accounts, PageSize: budget.PageSize}
	if filter != nil {
		counter := func(ctx context.Context, keyword string) (int, error) {
			n, err := ad.CountHits(ctx, CountRequest{Keywords: []string{keyword}, Operator: query.And, Range: rng, Accounts: task.Accounts})
			if err != nil {
				logging.Warn("count_failed", merge(fields, map[string]any{"keyword": keyword, "error": err.Error()}))
			}
			return n, err
		}
		anchor, err := query.SelectAnchor(ctx, *filter, counter)
		if err != nil {
			res.State = stopState(err)
			c.finish(platform, &res, fields)
			return res, nil
		}
		req.Query, req.Operator, req.Excluded = anchor.Keywords, anchor.Operator, filter.Excluded
	}

	// in-flight requests run to completion; cancellation is observed between pages
	fetchCtx := context.WithoutCancel(ctx)
	var raw []RawItem
	lastLen, hasNext := 0, false
	for {
		if res.Requests > 0 && !hasNext {
			res.State = StateExhausted
			break
		}
		if res.Requests > 0 && lastLen < budget.PageSize {
			res.State = StateExhausted
			break
		}
		if res.Requests >= budget.MaxRequests {
			res.State = StateBudgetReached
			break
		}
		if err := ctx.Err(); err != nil {
			res.State = stopState(err)
			break
		}
		if !deadline.IsZero() && !c.now().Before(deadline) {
			res.State = StateBudgetReached
			break
		}

		page, err := ad.FetchPage(fetchCtx, req)
		res.Requests++
		metrics.CollectPages.WithLabelValues(platform).Inc()
		if err != nil {
			res.State = StateError
			res.Err = &RemoteFetchError{Platform: task.Platform, Op: "fetch page", Err: err}
			logging.Warn("fetch_page_failed", merge(fields, map[string]any{"request": res.Requests, "error": err.Error()}))
			break
		}
		res.Fetched += len(page.Items)
		for _, it := range page.Items {
			if it.Err != nil {
				skip(task, it.ID, it.Err, &res, fields)
				continue
			}
			if filter != nil && !filter.Match(it.Text) {
				res.Filtered++
				continue
			}
			raw = append(raw, it)
		}
		lastLen, hasNext = len(page.Items), page.NextCursor != ""
		req.Cursor = page.NextCursor
	}

	res.Posts = c.mapItems(ad, task, raw, &res, fields)
	c.finish(platform, &res, fields)
	return res, nil
}

// mapItems converts raw items to posts, skipping duplicates and items that fail mapping.
func (c *Collector) mapItems(ad Adapter, task model.CollectTask, raw []RawItem, res *Result, fields map[string]any) []model.Post {
	posts := make([]model.Post, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, it := range raw {
		post, err := ad.MapPost(it, task)
		if err != nil {
			skip(task, it.ID, err, res, fields)
			continue
		}
		if post.Platform == "" {
			post.Platform = task.Platform
		}
		if _, dup := seen[post.PlatformID]; dup {
			continue
		}
		seen[post.PlatformID] = struct{}{}
		if len(post.MonitorIDs) == 0 && task.MonitorID != "" {
			post.MonitorIDs = []string{task.MonitorID}
		}
		posts = append(posts, post)
	}
	return posts
}

// skip records an item that could not become a post.
func skip(task model.CollectTask, itemID string, err error, res *Result, fields map[string]any) {
	merr := &MappingError{Platform: task.Platform, ItemID: itemID, Err: err}
	res.Skipped++
	metrics.MappingFailures.WithLabelValues(string(task.Platform)).Inc()
	logging.Warn("map_post_failed", merge(fields, map[string]any{"item_id": itemID, "error": merr.Error()}))
}

func (c *Collector) finish(platform string, res *Result, fields map[string]any) {
	metrics.CollectTerminal.WithLabelValues(platform, string(res.State)).Inc()
	metrics.PostsCollected.WithLabelValues(platform).Add(float64(len(res.Posts)))
	if res.State == StateError {
		metrics.CollectErrors.WithLabelValues(platform).Inc()
	}
	logging.Info("collect_done", merge(fields, map[string]any{
		"state":    string(res.State),
		"requests": res.Requests,
		"fetched":  res.Fetched,
		"filtered": res.Filtered,
		"skipped":  res.Skipped,
		"posts":    len(res.Posts),
	}))
}

// HitsCount returns the remote hit count for task with a single count request.
func (c *Collector) HitsCount(ctx context.Context, task model.CollectTask) (int, error) {
	ad, err := c.adapter(task.Platform)
	if err != nil {
		return 0, err
	}
	filter, err := decompose(task)
	if err != nil {
		return 0, err
	}
	req := CountRequest{Range: task.Range.Resolve(c.now()), Accounts: task.Accounts}
	if filter != nil {
		req.Keywords, req.Operator, req.Excluded = filter.Positive, filter.Operator, filter.Excluded
	}
	n, err := ad.CountHits(ctx, req)
	if err != nil {
		return 0, &RemoteFetchError{Platform: task.Platform, Op: "count hits", Err: err}
	}
	return n, nil
}

func merge(base, extra map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
