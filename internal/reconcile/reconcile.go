// Package reconcile synchronizes a monitor's desired search terms and
// accounts with the shared entity pool by adding and removing the monitor's
// tag. Entities are never deleted; every call recomputes the diff from the
// persisted state, so re-running after a partial failure converges.
//
// Only the monitor's own (entity, tag) links are written, so reconciliations
// of different monitors that share an entity do not overwrite each other.
package reconcile

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"lookout/internal/lock"
	"lookout/internal/logging"
	"lookout/internal/metrics"
	"lookout/internal/model"
	"lookout/internal/pool"
	"lookout/internal/util"
)

// ConflictError reports an account requested more than once in one call.
type ConflictError struct {
	MonitorID string
	Identity  string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("monitor %s: account %s requested more than once", e.MonitorID, e.Identity)
}

// Result counts the pool writes one call performed.
type Result struct {
	TermsCreated     int
	TermsTagged      int
	TermsUntagged    int
	AccountsCreated  int
	AccountsTagged   int
	AccountsUntagged int
}

// Mutations is the total number of entity writes.
func (r Result) Mutations() int {
	return r.TermsCreated + r.TermsTagged + r.TermsUntagged +
		r.AccountsCreated + r.AccountsTagged + r.AccountsUntagged
}

type Reconciler struct {
	pool   pool.Pool
	locker lock.Locker
	newID  func() string
}

// New returns a Reconciler over p. A nil locker serializes in process.
func New(p pool.Pool, locker lock.Locker) *Reconciler {
	if locker == nil {
		locker = lock.NewLocal()
	}
	return &Reconciler{pool: p, locker: locker, newID: uuid.NewString}
}

// Reconcile makes monitorID's tag set over the pool equal terms and accounts.
// Calls for the same monitor are serialized. Account identities are resolved
// and checked for conflicts before anything is written. The first failed
// write stops the call; the partial Result is returned with the error.
func (r *Reconciler) Reconcile(ctx context.Context, monitorID string, terms []string, accounts []model.AccountSpec) (res Result, err error) {
	if monitorID == "" {
		return Result{}, fmt.Errorf("reconcile: empty monitor id")
	}
	unlock, err := r.locker.Lock(ctx, "monitor:"+monitorID)
	if err != nil {
		return Result{}, fmt.Errorf("reconcile %s: %w", monitorID, err)
	}
	defer unlock()

	defer func() {
		metrics.AddReconcile("term", "create", res.TermsCreated)
		metrics.AddReconcile("term", "tag", res.TermsTagged)
		metrics.AddReconcile("term", "untag", res.TermsUntagged)
		metrics.AddReconcile("account", "create", res.AccountsCreated)
		metrics.AddReconcile("account", "tag", res.AccountsTagged)
		metrics.AddReconcile("account", "untag", res.AccountsUntagged)
		fields := map[string]any{
			"monitor_id":        monitorID,
			"terms_created":     res.TermsCreated,
			"terms_tagged":      res.TermsTagged,
			"terms_untagged":    res.TermsUntagged,
			"accounts_created":  res.AccountsCreated,
			"accounts_tagged":   res.AccountsTagged,
			"accounts_untagged": res.AccountsUntagged,
		}
		if err != nil {
			fields["error"] = err.Error()
			logging.Warn("reconcile_partial", fields)
			return
		}
		logging.Info("reconcile_applied", fields)
	}()

	currentAccounts, err := r.pool.AccountsByTag(ctx, monitorID)
	if err != nil {
		return res, fmt.Errorf("load accounts: %w", err)
	}
	wanted, err := r.resolveAccounts(monitorID, accounts, currentAccounts)
	if err != nil {
		return res, err
	}
	if err = r.terms(ctx, monitorID, normalizeTerms(terms), &res); err != nil {
		return res, err
	}
	if err = r.accounts(ctx, monitorID, wanted, currentAccounts, &res); err != nil {
		return res, err
	}
	return res, nil
}

// CheckAccounts reports the error Reconcile would return for accounts on a
// monitor that has no accounts yet, without touching the pool.
func (r *Reconciler) CheckAccounts(monitorID string, accounts []model.AccountSpec) error {
	_, err := r.resolveAccounts(monitorID, accounts, nil)
	return err
}

func normalizeTerms(terms []string) []string {
	seen := make(map[string]struct{}, len(terms))
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		t = util.NormalizeWhitespace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func (r *Reconciler) terms(ctx context.Context, monitorID string, desired []string, res *Result) error {
	current, err := r.pool.TermsByTag(ctx, monitorID)
	if err != nil {
		return fmt.Errorf("load terms: %w", err)
	}
	want := make(map[string]struct{}, len(desired))
	for _, t := range desired {
		want[t] = struct{}{}
	}
	have := make(map[string]struct{}, len(current))
	for _, t := range current {
		have[t.Term] = struct{}{}
		if _, ok := want[t.Term]; ok {
			continue
		}
		if err := r.pool.RemoveTermTag(ctx, t.ID, monitorID); err != nil {
			return fmt.Errorf("untag term %q: %w", t.Term, err)
		}
		res.TermsUntagged++
	}

	var create []model.SearchTerm
	for _, term := range desired {
		if _, ok := have[term]; ok {
			continue
		}
		existing, found, err := r.pool.TermByValue(ctx, term)
		if err != nil {
			return fmt.Errorf("lookup term %q: %w", term, err)
		}
		if !found {
			create = append(create, model.SearchTerm{Term: term, Tags: []string{monitorID}})
			continue
		}
		if err := r.pool.AddTermTag(ctx, existing.ID, monitorID); err != nil {
			return fmt.Errorf("tag term %q: %w", term, err)
		}
		res.TermsTagged++
	}
	if len(create) > 0 {
		if _, err := r.pool.InsertTerms(ctx, create); err != nil {
			return fmt.Errorf("insert terms: %w", err)
		}
		res.TermsCreated += len(create)
	}
	return nil
}

func nativeKey(p model.Platform, platformID string) string { return string(p) + "/" + platformID }

// resolveAccounts assigns each requested account its pool id: the given id,
// else the id of an account already tagged with the monitor that has the
// same platform and platform id, else a fresh one.
func (r *Reconciler) resolveAccounts(monitorID string, specs []model.AccountSpec, current []model.Account) ([]model.Account, error) {
	byNative := make(map[string]string, len(current))
	for _, a := range current {
		if a.PlatformID != "" {
			byNative[nativeKey(a.Platform, a.PlatformID)] = a.ID
		}
	}
	seenID := make(map[string]struct{}, len(specs))
	seenNative := make(map[string]struct{}, len(specs))
	out := make([]model.Account, 0, len(specs))
	for _, s := range specs {
		if s.ID == "" && s.PlatformID == "" {
			return nil, fmt.Errorf("monitor %s: account %q has neither id nor platform id", monitorID, s.Title)
		}
		if (s.ID == "" || s.Platform != "") && !s.Platform.Valid() {
			return nil, fmt.Errorf("monitor %s: account %q: unknown platform %q", monitorID, s.Title, s.Platform)
		}
		id := s.ID
		identity := id
		if id == "" {
			identity = nativeKey(s.Platform, s.PlatformID)
			if _, dup := seenNative[identity]; dup {
				return nil, &ConflictError{MonitorID: monitorID, Identity: identity}
			}
			seenNative[identity] = struct{}{}
			if known, ok := byNative[identity]; ok {
				id = known
			} else {
				id = r.newID()
			}
		}
		if _, dup := seenID[id]; dup {
			return nil, &ConflictError{MonitorID: monitorID, Identity: identity}
		}
		seenID[id] = struct{}{}
		out = append(out, model.Account{
			ID:         id,
			Title:      s.Title,
			Platform:   s.Platform,
			PlatformID: s.PlatformID,
			URL:        s.URL,
		})
	}
	return out, nil
}

func (r *Reconciler) accounts(ctx context.Context, monitorID string, desired, current []model.Account, res *Result) error {
	want := make(map[string]struct{}, len(desired))
	for _, a := range desired {
		want[a.ID] = struct{}{}
	}
	have := make(map[string]struct{}, len(current))
	for _, a := range current {
		have[a.ID] = struct{}{}
		if _, ok := want[a.ID]; ok {
			continue
		}
		if err := r.pool.RemoveAccountTag(ctx, a.ID, monitorID); err != nil {
			return fmt.Errorf("untag account %s: %w", a.ID, err)
		}
		res.AccountsUntagged++
	}

	var create []model.Account
	for _, a := range desired {
		if _, ok := have[a.ID]; ok {
			continue
		}
		existing, found, err := r.pool.AccountByID(ctx, a.ID)
		if err != nil {
			return fmt.Errorf("lookup account %s: %w", a.ID, err)
		}
		if !found {
			a.Tags = []string{monitorID}
			create = append(create, a)
			continue
		}
		if err := r.pool.AddAccountTag(ctx, existing.ID, monitorID); err != nil {
			return fmt.Errorf("tag account %s: %w", a.ID, err)
		}
		res.AccountsTagged++
	}
	if len(create) > 0 {
		if err := r.pool.InsertAccounts(ctx, create); err != nil {
			return fmt.Errorf("insert accounts: %w", err)
		}
		res.AccountsCreated += len(create)
	}
	return nil
}
