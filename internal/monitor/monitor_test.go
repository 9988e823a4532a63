package monitor

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"lookout/internal/logging"
	"lookout/internal/model"
	"lookout/internal/planner"
	"lookout/internal/store/memory"
)

func init() { logging.SetOutput(io.Discard) }

var from = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func newService() (*Service, *memory.Store) {
	s := memory.New()
	svc := NewService(s, nil)
	svc.now = func() time.Time { return from.Add(24 * time.Hour) }
	return svc, s
}

func TestCreatePlansActionsAndTagsPool(t *testing.T) {
	ctx := context.Background()
	svc, s := newService()
	m, err := svc.Create(ctx, model.MonitorRequest{
		Title:       "Floods",
		DateFrom:    from,
		SearchTerms: []string{"flood", "storm"},
		Accounts: []model.AccountSpec{
			{Title: "BBC", Platform: model.YouTube, PlatformID: "UCbbc"},
			{Title: "Met", Platform: model.Twitter, PlatformID: "metoffice"},
		},
	})
	require.NoError(t, err)
	require.NotEmpty(t, m.ID)
	require.Len(t, m.CollectActionIDs, 2)

	actions, err := s.CollectActions(ctx, m.ID)
	require.NoError(t, err)
	require.Equal(t, model.Twitter, actions[0].Platform)
	require.Equal(t, model.YouTube, actions[1].Platform)

	got, err := svc.Get(ctx, m.ID)
	require.NoError(t, err)
	require.Equal(t, m.CollectActionIDs, got.CollectActionIDs)

	terms, _ := s.TermsByTag(ctx, m.ID)
	require.Len(t, terms, 2)
}

func TestCreateRejects(t *testing.T) {
	ctx := context.Background()
	svc, s := newService()
	cases := map[string]model.MonitorRequest{
		"no title":      {DateFrom: from, Platforms: []model.Platform{model.Twitter}},
		"no date":       {Title: "x", Platforms: []model.Platform{model.Twitter}},
		"inverted":      {Title: "x", DateFrom: from, DateTo: from.Add(-time.Hour), Platforms: []model.Platform{model.Twitter}},
		"no targets":    {Title: "x", DateFrom: from, SearchTerms: []string{"a"}},
		"bad platforms": {Title: "x", DateFrom: from, SearchTerms: []string{"a"}, Platforms: []model.Platform{"orkut"}},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.Create(ctx, req)
			require.Error(t, err)
		})
	}
	_, err := svc.Create(ctx, cases["no targets"])
	require.ErrorIs(t, err, planner.ErrNoTargets)
	_, found, _ := s.TermByValue(ctx, "a")
	require.False(t, found, "rejected create must not touch the pool")
}

func TestCreateConflictStoresNothing(t *testing.T) {
	ctx := context.Background()
	svc, s := newService()
	_, err := svc.Create(ctx, model.MonitorRequest{
		Title:       "dup",
		DateFrom:    from,
		SearchTerms: []string{"a"},
		Accounts: []model.AccountSpec{
			{Platform: model.Twitter, PlatformID: "x"},
			{Platform: model.Twitter, PlatformID: "x"},
		},
	})
	require.Error(t, err)
	ms, err := svc.List(ctx)
	require.NoError(t, err)
	require.Empty(t, ms)
	_, found, _ := s.TermByValue(ctx, "a")
	require.False(t, found)
}

// brokenTerms fails term inserts while broken is set.
type brokenTerms struct {
	*memory.Store
	broken bool
}

func (b *brokenTerms) InsertTerms(ctx context.Context, terms []model.SearchTerm) ([]model.SearchTerm, error) {
	if b.broken {
		return nil, errors.New("disk full")
	}
	return b.Store.InsertTerms(ctx, terms)
}

func TestCreateFailureLeavesEditableMonitor(t *testing.T) {
	ctx := context.Background()
	s := &brokenTerms{Store: memory.New(), broken: true}
	svc := NewService(s, nil)
	req := model.MonitorRequest{
		Title:       "Floods",
		DateFrom:    from,
		SearchTerms: []string{"flood"},
		Platforms:   []model.Platform{model.Twitter},
	}
	m, err := svc.Create(ctx, req)
	require.Error(t, err)
	require.NotEmpty(t, m.ID)

	stored, err := svc.Get(ctx, m.ID)
	require.NoError(t, err, "the monitor owning any written tags must exist")
	require.Equal(t, "Floods", stored.Title)

	s.broken = false
	req.ID = m.ID
	edited, err := svc.Edit(ctx, req)
	require.NoError(t, err)
	require.Len(t, edited.CollectActionIDs, 1)
	terms, err := s.TermsByTag(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, terms, 1)
}

func TestEditReconcilesAndReplans(t *testing.T) {
	ctx := context.Background()
	svc, s := newService()
	m, err := svc.Create(ctx, model.MonitorRequest{
		Title:       "Elections",
		DateFrom:    from,
		SearchTerms: []string{"A", "B"},
		Platforms:   []model.Platform{model.Twitter, model.VKontakte},
	})
	require.NoError(t, err)
	vkID := m.CollectActionIDs[1]

	newFrom := from.Add(48 * time.Hour)
	edited, err := svc.Edit(ctx, model.MonitorRequest{
		ID:          m.ID,
		DateFrom:    newFrom,
		SearchTerms: []string{"B", "C"},
		Platforms:   []model.Platform{model.VKontakte, model.YouTube},
	})
	require.NoError(t, err)
	require.Equal(t, "Elections", edited.Title)
	require.Equal(t, newFrom, edited.DateFrom)
	require.Len(t, edited.CollectActionIDs, 2)
	require.Equal(t, vkID, edited.CollectActionIDs[0])

	a, found, _ := s.TermByValue(ctx, "A")
	require.True(t, found)
	require.Empty(t, a.Tags)
	c, _, _ := s.TermByValue(ctx, "C")
	require.Equal(t, []string{m.ID}, c.Tags)
}

func TestEditUnknownMonitor(t *testing.T) {
	svc, _ := newService()
	_, err := svc.Edit(context.Background(), model.MonitorRequest{ID: "missing"})
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestTasksExpandTermsAndAccounts(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService()
	m, err := svc.Create(ctx, model.MonitorRequest{
		Title:       "Mixed",
		DateFrom:    from,
		SearchTerms: []string{"storm", "flood"},
		Accounts:    []model.AccountSpec{{Title: "Met", Platform: model.Twitter, PlatformID: "metoffice"}},
		Platforms:   []model.Platform{model.Twitter, model.YouTube},
	})
	require.NoError(t, err)

	tasks, err := svc.Tasks(ctx, m.ID, true)
	require.NoError(t, err)
	require.Len(t, tasks, 4)
	require.Equal(t, model.Twitter, tasks[0].Platform)
	require.Equal(t, "flood", tasks[0].Query)
	require.Equal(t, "storm", tasks[1].Query)
	require.Len(t, tasks[0].Accounts, 1)
	require.Equal(t, model.YouTube, tasks[2].Platform)
	require.Empty(t, tasks[2].Accounts)
	for _, task := range tasks {
		require.True(t, task.Sample)
		require.Equal(t, from, task.Range.From)
		require.Equal(t, m.ID, task.MonitorID)
	}
}

func TestTasksAccountOnly(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService()
	m, err := svc.Create(ctx, model.MonitorRequest{
		Title:    "Watch list",
		DateFrom: from,
		Accounts: []model.AccountSpec{{Title: "Group", Platform: model.VKontakte, PlatformID: "-1"}},
	})
	require.NoError(t, err)
	tasks, err := svc.Tasks(ctx, m.ID, false)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Empty(t, tasks[0].Query)
	require.Equal(t, "-1", tasks[0].Accounts[0].PlatformID)
}
