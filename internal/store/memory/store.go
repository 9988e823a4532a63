// Package memory is an in-process implementation of the entity pool, the
// monitor store and the post sink. Tag ownership lives in explicit
// pool.TagIndex joins rather than on the records themselves.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"lookout/internal/model"
	"lookout/internal/pool"
)

// Store keeps everything in maps guarded by a single RWMutex.
type Store struct {
	mu sync.RWMutex

	terms      map[string]model.SearchTerm // by id, Tags unused
	termByText map[string]string
	termTags   *pool.TagIndex

	accounts    map[string]model.Account // by id, Tags unused
	accountTags *pool.TagIndex

	monitors map[string]model.Monitor
	actions  map[string][]model.CollectAction

	posts   map[string]model.Post // by platform + "/" + platform id
	cursors map[string]string
}

// New creates an empty store.
func New() *Store {
	return &Store{
		terms:       make(map[string]model.SearchTerm),
		termByText:  make(map[string]string),
		termTags:    pool.NewTagIndex(),
		accounts:    make(map[string]model.Account),
		accountTags: pool.NewTagIndex(),
		monitors:    make(map[string]model.Monitor),
		actions:     make(map[string][]model.CollectAction),
		posts:       make(map[string]model.Post),
		cursors:     make(map[string]string),
	}
}

var _ pool.Pool = (*Store)(nil)

func (s *Store) term(id string) model.SearchTerm {
	t := s.terms[id]
	t.Tags = s.termTags.Tags(id)
	return t
}

func (s *Store) account(id string) model.Account {
	a := s.accounts[id]
	a.Tags = s.accountTags.Tags(id)
	return a
}

// TermsByTag returns every term tagged with tag.
func (s *Store) TermsByTag(ctx context.Context, tag string) ([]model.SearchTerm, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.termTags.Entities(tag)
	out := make([]model.SearchTerm, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.term(id))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Term < out[j].Term })
	return out, nil
}

// TermByValue looks a term up by its exact text.
func (s *Store) TermByValue(ctx context.Context, term string) (model.SearchTerm, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.termByText[term]
	if !ok {
		return model.SearchTerm{}, false, nil
	}
	return s.term(id), true, nil
}

// InsertTerms inserts terms, merging tags into existing records with the same text.
func (s *Store) InsertTerms(ctx context.Context, terms []model.SearchTerm) ([]model.SearchTerm, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.SearchTerm, 0, len(terms))
	for _, t := range terms {
		id, exists := s.termByText[t.Term]
		if !exists {
			id = t.ID
			if id == "" {
				id = uuid.NewString()
			}
			s.terms[id] = model.SearchTerm{ID: id, Term: t.Term}
			s.termByText[t.Term] = id
		}
		for _, tag := range t.Tags {
			if tag != "" {
				s.termTags.Add(id, tag)
			}
		}
		out = append(out, s.term(id))
	}
	return out, nil
}

// AddTermTag links term id to tag. Unknown ids are ignored.
func (s *Store) AddTermTag(ctx context.Context, id, tag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.terms[id]; ok && tag != "" {
		s.termTags.Add(id, tag)
	}
	return nil
}

// RemoveTermTag unlinks term id from tag.
func (s *Store) RemoveTermTag(ctx context.Context, id, tag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.termTags.Remove(id, tag)
	return nil
}

// AccountsByTag returns every account tagged with tag.
func (s *Store) AccountsByTag(ctx context.Context, tag string) ([]model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.accountTags.Entities(tag)
	out := make([]model.Account, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.account(id))
	}
	return out, nil
}

// AccountByID looks an account up by its own id.
func (s *Store) AccountByID(ctx context.Context, id string) (model.Account, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.accounts[id]; !ok {
		return model.Account{}, false, nil
	}
	return s.account(id), true, nil
}

// InsertAccounts stores accounts; an existing id keeps its record and gains the tags.
func (s *Store) InsertAccounts(ctx context.Context, accounts []model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range accounts {
		if a.ID == "" {
			a.ID = uuid.NewString()
		}
		if _, ok := s.accounts[a.ID]; !ok {
			rec := a
			rec.Tags = nil
			s.accounts[a.ID] = rec
		}
		for _, tag := range a.Tags {
			if tag != "" {
				s.accountTags.Add(a.ID, tag)
			}
		}
	}
	return nil
}

// AddAccountTag links account id to tag. Unknown ids are ignored.
func (s *Store) AddAccountTag(ctx context.Context, id, tag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[id]; ok && tag != "" {
		s.accountTags.Add(id, tag)
	}
	return nil
}

// RemoveAccountTag unlinks account id from tag.
func (s *Store) RemoveAccountTag(ctx context.Context, id, tag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accountTags.Remove(id, tag)
	return nil
}

// SaveMonitor creates or replaces a monitor.
func (s *Store) SaveMonitor(ctx context.Context, m model.Monitor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.monitors[m.ID] = m
	return nil
}

func (s *Store) GetMonitor(ctx context.Context, id string) (model.Monitor, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.monitors[id]
	return m, ok, nil
}

// ListMonitors returns monitors oldest first.
func (s *Store) ListMonitors(ctx context.Context) ([]model.Monitor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Monitor, 0, len(s.monitors))
	for _, m := range s.monitors {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// SaveCollectActions replaces the action set of a monitor.
func (s *Store) SaveCollectActions(ctx context.Context, monitorID string, actions []model.CollectAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions[monitorID] = append([]model.CollectAction(nil), actions...)
	return nil
}

func (s *Store) CollectActions(ctx context.Context, monitorID string) ([]model.CollectAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.CollectAction(nil), s.actions[monitorID]...), nil
}

// SavePosts upserts posts by (platform, platform id), merging monitor ids.
// It returns how many posts were new.
func (s *Store) SavePosts(ctx context.Context, posts []model.Post) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	created := 0
	for _, p := range posts {
		key := string(p.Platform) + "/" + p.PlatformID
		if prev, ok := s.posts[key]; ok {
			ids := prev.MonitorIDs
			for _, m := range p.MonitorIDs {
				ids = pool.AddTag(ids, m)
			}
			p.MonitorIDs = ids
		} else {
			created++
		}
		s.posts[key] = p
	}
	return created, nil
}

// PostsByMonitor returns posts owned by monitorID created within [from, to).
func (s *Store) PostsByMonitor(ctx context.Context, monitorID string, from, to time.Time) ([]model.Post, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Post
	for _, p := range s.posts {
		if !pool.HasTag(p.MonitorIDs, monitorID) {
			continue
		}
		if p.CreatedAt.Before(from) || !p.CreatedAt.Before(to) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// SaveCursor stores an opaque checkpoint value under key.
func (s *Store) SaveCursor(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[key] = value
	return nil
}

// LoadCursor returns the stored value, or "" when none exists.
func (s *Store) LoadCursor(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursors[key], nil
}
