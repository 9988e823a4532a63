// Package planner derives the per-platform collect actions of a monitor.
package planner

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"lookout/internal/model"
)

// ErrNoTargets is returned when a monitor names neither platforms nor accounts.
var ErrNoTargets = errors.New("planner: no platforms or accounts to collect from")

// Platforms resolves the target platform set: the explicit list when given,
// else the platforms of the requested accounts, in first-seen order.
func Platforms(explicit []model.Platform, accounts []model.AccountSpec) ([]model.Platform, error) {
	src := explicit
	if len(src) == 0 {
		src = make([]model.Platform, 0, len(accounts))
		for _, a := range accounts {
			src = append(src, a.Platform)
		}
	}
	if len(src) == 0 {
		return nil, ErrNoTargets
	}
	seen := make(map[model.Platform]struct{}, len(src))
	out := make([]model.Platform, 0, len(src))
	for _, p := range src {
		if !p.Valid() {
			return nil, fmt.Errorf("planner: unknown platform %q", p)
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out, nil
}

// Plan emits one CollectAction per target platform. Each action points back
// at the monitor's tag so terms and accounts are resolved at run time.
func Plan(monitorID string, platforms []model.Platform, accounts []model.AccountSpec) ([]model.CollectAction, error) {
	targets, err := Platforms(platforms, accounts)
	if err != nil {
		return nil, err
	}
	out := make([]model.CollectAction, 0, len(targets))
	for _, p := range targets {
		out = append(out, model.CollectAction{
			ID:             uuid.NewString(),
			MonitorID:      monitorID,
			Platform:       p,
			SearchTermTags: []string{monitorID},
			AccountTags:    []string{monitorID},
			Tags:           []string{monitorID},
		})
	}
	return out, nil
}

// Reuse carries the ids of existing actions over to planned actions for the
// same platform, so a re-plan only changes ids of new platforms.
func Reuse(existing, planned []model.CollectAction) []model.CollectAction {
	ids := make(map[model.Platform]string, len(existing))
	for _, a := range existing {
		ids[a.Platform] = a.ID
	}
	out := make([]model.CollectAction, len(planned))
	for i, a := range planned {
		if id, ok := ids[a.Platform]; ok {
			a.ID = id
		}
		out[i] = a
	}
	return out
}

// IDs lists action ids in order.
func IDs(actions []model.CollectAction) []string {
	out := make([]string, len(actions))
	for i, a := range actions {
		out[i] = a.ID
	}
	return out
}
