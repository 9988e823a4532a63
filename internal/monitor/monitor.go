// Package monitor manages monitor lifecycle: creation and edits run through
// the tag reconciler and re-plan collect actions; Tasks expands the stored
// actions into runnable collect tasks.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"lookout/internal/lock"
	"lookout/internal/logging"
	"lookout/internal/model"
	"lookout/internal/planner"
	"lookout/internal/pool"
	"lookout/internal/reconcile"
)

var ErrNotFound = errors.New("monitor not found")

// Store is the persistence a Service needs. Both the memory and the sqlite
// stores implement it.
type Store interface {
	pool.Pool
	SaveMonitor(ctx context.Context, m model.Monitor) error
	GetMonitor(ctx context.Context, id string) (model.Monitor, bool, error)
	ListMonitors(ctx context.Context) ([]model.Monitor, error)
	SaveCollectActions(ctx context.Context, monitorID string, actions []model.CollectAction) error
	CollectActions(ctx context.Context, monitorID string) ([]model.CollectAction, error)
}

type Service struct {
	store      Store
	reconciler *reconcile.Reconciler
	now        func() time.Time
}

func NewService(store Store, locker lock.Locker) *Service {
	return &Service{store: store, reconciler: reconcile.New(store, locker), now: time.Now}
}

func validate(req model.MonitorRequest) error {
	if strings.TrimSpace(req.Title) == "" {
		return errors.New("monitor title is required")
	}
	if req.DateFrom.IsZero() {
		return errors.New("monitor dateFrom is required")
	}
	if !req.DateTo.IsZero() && !req.DateTo.After(req.DateFrom) {
		return fmt.Errorf("monitor dateTo %s is not after dateFrom %s", req.DateTo.Format(time.RFC3339), req.DateFrom.Format(time.RFC3339))
	}
	return nil
}

// Create persists a new monitor, reconciles its terms and accounts into the
// pool and plans its collect actions. The monitor is stored before the pool is
// touched, so a failure after that point returns the stored monitor with the
// error; an Edit with the same request and its id converges.
func (s *Service) Create(ctx context.Context, req model.MonitorRequest) (model.Monitor, error) {
	if err := validate(req); err != nil {
		return model.Monitor{}, err
	}
	if len(req.Platforms) == 0 && len(req.Accounts) == 0 {
		return model.Monitor{}, planner.ErrNoTargets
	}
	if len(req.Platforms) > 0 {
		if _, err := planner.Platforms(req.Platforms, nil); err != nil {
			return model.Monitor{}, err
		}
	}
	now := s.now().UTC()
	m := model.Monitor{
		ID:        req.ID,
		Title:     strings.TrimSpace(req.Title),
		Descr:     req.Descr,
		DateFrom:  req.DateFrom.UTC(),
		DateTo:    utcOrZero(req.DateTo),
		Platforms: req.Platforms,
		Languages: req.Languages,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	} else if _, found, err := s.store.GetMonitor(ctx, m.ID); err != nil {
		return model.Monitor{}, err
	} else if found {
		return model.Monitor{}, fmt.Errorf("monitor %s already exists", m.ID)
	}
	if err := s.reconciler.CheckAccounts(m.ID, req.Accounts); err != nil {
		return model.Monitor{}, err
	}
	if err := s.store.SaveMonitor(ctx, m); err != nil {
		return model.Monitor{}, err
	}
	if _, err := s.reconciler.Reconcile(ctx, m.ID, req.SearchTerms, req.Accounts); err != nil {
		logging.Warn("monitor_create_incomplete", map[string]any{"monitor_id": m.ID, "error": err.Error()})
		return m, err
	}
	if err := s.replan(ctx, &m); err != nil {
		logging.Warn("monitor_create_incomplete", map[string]any{"monitor_id": m.ID, "error": err.Error()})
		return m, err
	}
	if err := s.store.SaveMonitor(ctx, m); err != nil {
		return m, err
	}
	logging.Info("monitor_created", map[string]any{"monitor_id": m.ID, "title": m.Title, "platforms": m.Platforms, "actions": len(m.CollectActionIDs)})
	return m, nil
}

// Edit updates title, description, dates, platforms and languages when set,
// reconciles terms and accounts to the request, and re-plans collect actions.
func (s *Service) Edit(ctx context.Context, req model.MonitorRequest) (model.Monitor, error) {
	m, err := s.Get(ctx, req.ID)
	if err != nil {
		return model.Monitor{}, err
	}
	if t := strings.TrimSpace(req.Title); t != "" {
		m.Title = t
	}
	if req.Descr != "" {
		m.Descr = req.Descr
	}
	if !req.DateFrom.IsZero() {
		m.DateFrom = req.DateFrom.UTC()
	}
	if !req.DateTo.IsZero() {
		m.DateTo = req.DateTo.UTC()
	}
	if !m.DateTo.IsZero() && !m.DateTo.After(m.DateFrom) {
		return model.Monitor{}, fmt.Errorf("monitor dateTo %s is not after dateFrom %s", m.DateTo.Format(time.RFC3339), m.DateFrom.Format(time.RFC3339))
	}
	if len(req.Platforms) > 0 {
		if _, err := planner.Platforms(req.Platforms, nil); err != nil {
			return model.Monitor{}, err
		}
		m.Platforms = req.Platforms
	}
	if len(req.Languages) > 0 {
		m.Languages = req.Languages
	}
	if len(m.Platforms) == 0 && len(req.Accounts) == 0 {
		return model.Monitor{}, planner.ErrNoTargets
	}
	if _, err := s.reconciler.Reconcile(ctx, m.ID, req.SearchTerms, req.Accounts); err != nil {
		return model.Monitor{}, err
	}
	if err := s.replan(ctx, &m); err != nil {
		return model.Monitor{}, err
	}
	m.UpdatedAt = s.now().UTC()
	if err := s.store.SaveMonitor(ctx, m); err != nil {
		return model.Monitor{}, err
	}
	logging.Info("monitor_edited", map[string]any{"monitor_id": m.ID, "actions": len(m.CollectActionIDs)})
	return m, nil
}

// replan derives actions from the monitor's platforms or, when none are set,
// from the platforms of the accounts now tagged with it.
func (s *Service) replan(ctx context.Context, m *model.Monitor) error {
	accounts, err := s.store.AccountsByTag(ctx, m.ID)
	if err != nil {
		return err
	}
	specs := make([]model.AccountSpec, 0, len(accounts))
	for _, a := range accounts {
		specs = append(specs, model.AccountSpec{ID: a.ID, Platform: a.Platform, PlatformID: a.PlatformID})
	}
	sort.SliceStable(specs, func(i, j int) bool { return platformRank(specs[i].Platform) < platformRank(specs[j].Platform) })
	planned, err := planner.Plan(m.ID, m.Platforms, specs)
	if err != nil {
		return err
	}
	existing, err := s.store.CollectActions(ctx, m.ID)
	if err != nil {
		return err
	}
	actions := planner.Reuse(existing, planned)
	if err := s.store.SaveCollectActions(ctx, m.ID, actions); err != nil {
		return err
	}
	m.CollectActionIDs = planner.IDs(actions)
	return nil
}

func platformRank(p model.Platform) int {
	for i, k := range model.Platforms {
		if k == p {
			return i
		}
	}
	return len(model.Platforms)
}

func utcOrZero(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC()
}

func (s *Service) Get(ctx context.Context, id string) (model.Monitor, error) {
	m, found, err := s.store.GetMonitor(ctx, id)
	if err != nil {
		return model.Monitor{}, err
	}
	if !found {
		return model.Monitor{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return m, nil
}

func (s *Service) List(ctx context.Context) ([]model.Monitor, error) {
	return s.store.ListMonitors(ctx)
}

// Tasks expands the monitor's collect actions into tasks: one per tagged
// search term, or a single account-only task when the monitor has accounts
// on that platform but no terms. Actions with neither are skipped.
func (s *Service) Tasks(ctx context.Context, monitorID string, sample bool) ([]model.CollectTask, error) {
	m, err := s.Get(ctx, monitorID)
	if err != nil {
		return nil, err
	}
	actions, err := s.store.CollectActions(ctx, monitorID)
	if err != nil {
		return nil, err
	}
	var tasks []model.CollectTask
	for _, a := range actions {
		terms, err := s.termsFor(ctx, a.SearchTermTags)
		if err != nil {
			return nil, err
		}
		accounts, err := s.accountsFor(ctx, a.AccountTags, a.Platform)
		if err != nil {
			return nil, err
		}
		base := model.CollectTask{MonitorID: m.ID, Platform: a.Platform, Range: m.Range(), Accounts: accounts, Sample: sample}
		if len(terms) == 0 {
			if len(accounts) > 0 {
				tasks = append(tasks, base)
			}
			continue
		}
		for _, term := range terms {
			t := base
			t.Query = term
			tasks = append(tasks, t)
		}
	}
	return tasks, nil
}

func (s *Service) termsFor(ctx context.Context, tags []string) ([]string, error) {
	seen := map[string]struct{}{}
	var out []string
	for _, tag := range tags {
		terms, err := s.store.TermsByTag(ctx, tag)
		if err != nil {
			return nil, err
		}
		for _, t := range terms {
			if _, ok := seen[t.Term]; ok {
				continue
			}
			seen[t.Term] = struct{}{}
			out = append(out, t.Term)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Service) accountsFor(ctx context.Context, tags []string, p model.Platform) ([]model.Account, error) {
	seen := map[string]struct{}{}
	var out []model.Account
	for _, tag := range tags {
		accounts, err := s.store.AccountsByTag(ctx, tag)
		if err != nil {
			return nil, err
		}
		for _, a := range accounts {
			if a.Platform != p {
				continue
			}
			if _, ok := seen[a.ID]; ok {
				continue
			}
			seen[a.ID] = struct{}{}
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
