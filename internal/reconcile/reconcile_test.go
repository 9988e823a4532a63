package reconcile

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"lookout/internal/lock"
	"lookout/internal/logging"
	"lookout/internal/model"
	"lookout/internal/pool"
	"lookout/internal/store/memory"
)

func init() { logging.SetOutput(io.Discard) }

func termTexts(t *testing.T, p pool.Pool, monitorID string) []string {
	t.Helper()
	terms, err := p.TermsByTag(context.Background(), monitorID)
	require.NoError(t, err)
	out := make([]string, 0, len(terms))
	for _, term := range terms {
		out = append(out, term.Term)
	}
	sort.Strings(out)
	return out
}

func TestReconcileTermDiff(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	r := New(s, nil)

	res, err := r.Reconcile(ctx, "m1", []string{"A", "B"}, nil)
	require.NoError(t, err)
	require.Equal(t, 2, res.TermsCreated)

	a, _, _ := s.TermByValue(ctx, "A")

	res, err = r.Reconcile(ctx, "m1", []string{"B", "C"}, nil)
	require.NoError(t, err)
	require.Equal(t, Result{TermsCreated: 1, TermsUntagged: 1}, res)
	require.Equal(t, []string{"B", "C"}, termTexts(t, s, "m1"))

	after, found, err := s.TermByValue(ctx, "A")
	require.NoError(t, err)
	require.True(t, found, "untagged term must stay in the pool")
	require.Equal(t, a.ID, after.ID)
	require.Empty(t, after.Tags)

	c, _, _ := s.TermByValue(ctx, "C")
	require.Equal(t, []string{"m1"}, c.Tags)
}

func TestReconcileEmptyTermsClearsTags(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	r := New(s, nil)
	_, err := r.Reconcile(ctx, "m1", []string{"x", "y"}, nil)
	require.NoError(t, err)

	res, err := r.Reconcile(ctx, "m1", nil, nil)
	require.NoError(t, err)
	require.Equal(t, Result{TermsUntagged: 2}, res)
	require.Empty(t, termTexts(t, s, "m1"))
	for _, v := range []string{"x", "y"} {
		_, found, _ := s.TermByValue(ctx, v)
		require.True(t, found)
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	r := New(s, nil)
	terms := []string{"flood", " flood ", "storm", ""}
	accounts := []model.AccountSpec{
		{Title: "Met Office", Platform: model.Twitter, PlatformID: "metoffice"},
		{Title: "BBC", Platform: model.YouTube, PlatformID: "UCbbc"},
	}
	first, err := r.Reconcile(ctx, "m1", terms, accounts)
	require.NoError(t, err)
	require.Equal(t, 2, first.TermsCreated)
	require.Equal(t, 2, first.AccountsCreated)

	second, err := r.Reconcile(ctx, "m1", terms, accounts)
	require.NoError(t, err)
	require.Zero(t, second.Mutations())

	got, err := s.AccountsByTag(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, got, 2, "accounts without ids are matched by platform id on re-run")
}

func TestReconcileSharesTermsAcrossMonitors(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	r := New(s, nil)
	_, err := r.Reconcile(ctx, "m1", []string{"shared"}, nil)
	require.NoError(t, err)
	res, err := r.Reconcile(ctx, "m2", []string{"shared"}, nil)
	require.NoError(t, err)
	require.Equal(t, Result{TermsTagged: 1}, res)

	term, _, _ := s.TermByValue(ctx, "shared")
	require.ElementsMatch(t, []string{"m1", "m2"}, term.Tags)

	_, err = r.Reconcile(ctx, "m1", nil, nil)
	require.NoError(t, err)
	term, _, _ = s.TermByValue(ctx, "shared")
	require.Equal(t, []string{"m2"}, term.Tags)
}

func TestReconcileAccountsByID(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	require.NoError(t, s.InsertAccounts(ctx, []model.Account{{ID: "acc-1", Title: "Known", Platform: model.VKontakte, PlatformID: "-1", Tags: []string{"other"}}}))
	r := New(s, nil)

	res, err := r.Reconcile(ctx, "m1", nil, []model.AccountSpec{
		{ID: "acc-1"},
		{ID: "acc-new", Title: "New", Platform: model.VKontakte, PlatformID: "-2"},
	})
	require.NoError(t, err)
	require.Equal(t, Result{AccountsTagged: 1, AccountsCreated: 1}, res)

	known, _, _ := s.AccountByID(ctx, "acc-1")
	require.ElementsMatch(t, []string{"other", "m1"}, known.Tags)
	created, found, _ := s.AccountByID(ctx, "acc-new")
	require.True(t, found)
	require.Equal(t, "-2", created.PlatformID)

	res, err = r.Reconcile(ctx, "m1", nil, []model.AccountSpec{{ID: "acc-new"}})
	require.NoError(t, err)
	require.Equal(t, Result{AccountsUntagged: 1}, res)
	known, _, _ = s.AccountByID(ctx, "acc-1")
	require.Equal(t, []string{"other"}, known.Tags)
}

func TestReconcileConflictWritesNothing(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	r := New(s, nil)

	cases := [][]model.AccountSpec{
		{{ID: "a"}, {ID: "a"}},
		{{Platform: model.Twitter, PlatformID: "x"}, {Platform: model.Twitter, PlatformID: "x"}},
	}
	for _, specs := range cases {
		res, err := r.Reconcile(ctx, "m1", []string{"term"}, specs)
		var conflict *ConflictError
		require.True(t, errors.As(err, &conflict), "err = %v", err)
		require.Equal(t, "m1", conflict.MonitorID)
		require.Zero(t, res.Mutations())
		_, found, _ := s.TermByValue(ctx, "term")
		require.False(t, found)
	}
}

func TestReconcileRejectsUnknownPlatform(t *testing.T) {
	r := New(memory.New(), nil)
	_, err := r.Reconcile(context.Background(), "m1", nil, []model.AccountSpec{{Platform: "myspace", PlatformID: "1"}})
	require.Error(t, err)
}

// flaky fails term tag writes while failing is set.
type flaky struct {
	*memory.Store
	failing bool
}

func (f *flaky) AddTermTag(ctx context.Context, id, tag string) error {
	if f.failing {
		return errors.New("write failed")
	}
	return f.Store.AddTermTag(ctx, id, tag)
}

func (f *flaky) RemoveTermTag(ctx context.Context, id, tag string) error {
	if f.failing {
		return errors.New("write failed")
	}
	return f.Store.RemoveTermTag(ctx, id, tag)
}

func TestReconcileRecoversAfterPartialFailure(t *testing.T) {
	ctx := context.Background()
	p := &flaky{Store: memory.New()}
	r := New(p, nil)
	_, err := r.Reconcile(ctx, "m1", []string{"old"}, nil)
	require.NoError(t, err)

	p.failing = true
	_, err = r.Reconcile(ctx, "m1", []string{"new"}, nil)
	require.Error(t, err)

	p.failing = false
	res, err := r.Reconcile(ctx, "m1", []string{"new"}, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"new"}, termTexts(t, p, "m1"))
	require.Equal(t, 1, res.TermsUntagged)

	res, err = r.Reconcile(ctx, "m1", []string{"new"}, nil)
	require.NoError(t, err)
	require.Zero(t, res.Mutations())
}

func TestReconcileSameMonitorIsSerialized(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	r := New(s, lock.NewLocal())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Reconcile(ctx, "m1", []string{"a", "b"}, []model.AccountSpec{{Platform: model.Twitter, PlatformID: "x"}})
			if err != nil {
				t.Errorf("reconcile: %v", err)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, []string{"a", "b"}, termTexts(t, s, "m1"))
	accs, err := s.AccountsByTag(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, accs, 1)
}

func TestReconcileWaitsForMonitorLock(t *testing.T) {
	l := lock.NewLocal()
	unlock, err := l.Lock(context.Background(), "monitor:m1")
	require.NoError(t, err)
	defer unlock()

	r := New(memory.New(), l)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = r.Reconcile(ctx, "m1", []string{"a"}, nil)
	require.ErrorIs(t, err, lock.ErrNotAcquired)

	_, err = r.Reconcile(context.Background(), "m2", []string{"a"}, nil)
	require.NoError(t, err)
}

// interleaved runs between once, after the first lookup of term x or account acc, so that a
// second reconciliation lands between another one's read and its write.
type interleaved struct {
	*memory.Store
	ran     bool
	between func()
}

func (p *interleaved) step() {
	if !p.ran {
		p.ran = true
		p.between()
	}
}

func (p *interleaved) TermByValue(ctx context.Context, term string) (model.SearchTerm, bool, error) {
	t, found, err := p.Store.TermByValue(ctx, term)
	if term == "x" {
		p.step()
	}
	return t, found, err
}

func (p *interleaved) AccountByID(ctx context.Context, id string) (model.Account, bool, error) {
	a, found, err := p.Store.AccountByID(ctx, id)
	if id == "acc" {
		p.step()
	}
	return a, found, err
}

func TestReconcileDifferentMonitorsKeepEachOthersTags(t *testing.T) {
	ctx := context.Background()

	t.Run("terms", func(t *testing.T) {
		p := &interleaved{Store: memory.New()}
		_, err := p.InsertTerms(ctx, []model.SearchTerm{{Term: "x"}})
		require.NoError(t, err)
		r := New(p, nil)
		p.between = func() {
			_, err := r.Reconcile(ctx, "m2", []string{"x"}, nil)
			require.NoError(t, err)
		}

		_, err = r.Reconcile(ctx, "m1", []string{"x"}, nil)
		require.NoError(t, err)
		term, _, err := p.TermByValue(ctx, "x")
		require.NoError(t, err)
		require.ElementsMatch(t, []string{"m1", "m2"}, term.Tags)
	})

	t.Run("accounts", func(t *testing.T) {
		p := &interleaved{Store: memory.New()}
		require.NoError(t, p.InsertAccounts(ctx, []model.Account{{ID: "acc", Platform: model.Twitter, PlatformID: "1", Tags: []string{"m2"}}}))
		r := New(p, nil)
		p.between = func() {
			_, err := r.Reconcile(ctx, "m2", nil, nil)
			require.NoError(t, err)
		}

		_, err := r.Reconcile(ctx, "m1", nil, []model.AccountSpec{{ID: "acc"}})
		require.NoError(t, err)
		acc, _, err := p.AccountByID(ctx, "acc")
		require.NoError(t, err)
		require.Equal(t, []string{"m1"}, acc.Tags, "m2's untag and m1's tag both survive")
	})
}
