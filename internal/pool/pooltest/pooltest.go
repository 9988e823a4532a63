// Package pooltest holds behavior checks shared by every pool.Pool implementation.
package pooltest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lookout/internal/model"
	"lookout/internal/pool"
)

// Run exercises p against the pool contract. newPool must return an empty pool.
func Run(t *testing.T, newPool func(t *testing.T) pool.Pool) {
	t.Run("TermInsertIfAbsentMergesTags", func(t *testing.T) {
		p := newPool(t)
		ctx := context.Background()
		first, err := p.InsertTerms(ctx, []model.SearchTerm{{Term: "ukraine", Tags: []string{"m1"}}})
		require.NoError(t, err)
		require.Len(t, first, 1)
		second, err := p.InsertTerms(ctx, []model.SearchTerm{{Term: "ukraine", Tags: []string{"m2", "m1"}}})
		require.NoError(t, err)
		require.Equal(t, first[0].ID, second[0].ID)
		require.ElementsMatch(t, []string{"m1", "m2"}, second[0].Tags)

		got, ok, err := p.TermByValue(ctx, "ukraine")
		require.NoError(t, err)
		require.True(t, ok)
		require.ElementsMatch(t, []string{"m1", "m2"}, got.Tags)

		_, ok, err = p.TermByValue(ctx, "Ukraine")
		require.NoError(t, err)
		require.False(t, ok, "term text is matched exactly")
	})

	t.Run("TermTagsUpdateAndFindByTag", func(t *testing.T) {
		p := newPool(t)
		ctx := context.Background()
		stored, err := p.InsertTerms(ctx, []model.SearchTerm{
			{Term: "a", Tags: []string{"m1"}},
			{Term: "b", Tags: []string{"m1", "m2"}},
		})
		require.NoError(t, err)

		byTag, err := p.TermsByTag(ctx, "m1")
		require.NoError(t, err)
		require.Len(t, byTag, 2)

		require.NoError(t, p.RemoveTermTag(ctx, stored[0].ID, "m1"))
		byTag, err = p.TermsByTag(ctx, "m1")
		require.NoError(t, err)
		require.Len(t, byTag, 1)
		require.Equal(t, "b", byTag[0].Term)

		kept, ok, err := p.TermByValue(ctx, "a")
		require.NoError(t, err)
		require.True(t, ok, "untagged terms are retained")
		require.Empty(t, kept.Tags)

		require.NoError(t, p.AddTermTag(ctx, stored[1].ID, "m3"))
		require.NoError(t, p.AddTermTag(ctx, stored[1].ID, "m3"))
		require.NoError(t, p.RemoveTermTag(ctx, stored[1].ID, "m1"))
		require.NoError(t, p.RemoveTermTag(ctx, stored[1].ID, "m1"))
		b, _, err := p.TermByValue(ctx, "b")
		require.NoError(t, err)
		require.ElementsMatch(t, []string{"m2", "m3"}, b.Tags)

		require.NoError(t, p.AddTermTag(ctx, "missing", "m1"))
		byTag, err = p.TermsByTag(ctx, "m1")
		require.NoError(t, err)
		require.Len(t, byTag, 0, "tagging an unknown id must not create a link")
	})

	t.Run("ConcurrentTagChangesFromDifferentMonitors", func(t *testing.T) {
		p := newPool(t)
		ctx := context.Background()
		stored, err := p.InsertTerms(ctx, []model.SearchTerm{{Term: "x", Tags: []string{"gone"}}})
		require.NoError(t, err)
		id := stored[0].ID
		require.NoError(t, p.InsertAccounts(ctx, []model.Account{{ID: "acc", Platform: model.Twitter, PlatformID: "1", Tags: []string{"gone"}}}))

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				tag := fmt.Sprintf("m%d", i)
				assert.NoError(t, p.AddTermTag(ctx, id, tag))
				assert.NoError(t, p.AddAccountTag(ctx, "acc", tag))
			}(i)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, p.RemoveTermTag(ctx, id, "gone"))
			assert.NoError(t, p.RemoveAccountTag(ctx, "acc", "gone"))
		}()
		wg.Wait()

		want := []string{"m0", "m1", "m2", "m3", "m4", "m5", "m6", "m7"}
		term, _, err := p.TermByValue(ctx, "x")
		require.NoError(t, err)
		require.ElementsMatch(t, want, term.Tags)
		acc, _, err := p.AccountByID(ctx, "acc")
		require.NoError(t, err)
		require.ElementsMatch(t, want, acc.Tags)
	})

	t.Run("ConcurrentInsertKeepsTermsUnique", func(t *testing.T) {
		p := newPool(t)
		ctx := context.Background()
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := p.InsertTerms(ctx, []model.SearchTerm{{Term: "shared", Tags: []string{fmt.Sprintf("m%d", i)}}})
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()
		got, ok, err := p.TermByValue(ctx, "shared")
		require.NoError(t, err)
		require.True(t, ok)
		require.Len(t, got.Tags, 8)
		for i := 0; i < 8; i++ {
			byTag, err := p.TermsByTag(ctx, fmt.Sprintf("m%d", i))
			require.NoError(t, err)
			require.Len(t, byTag, 1)
			require.Equal(t, got.ID, byTag[0].ID)
		}
	})

	t.Run("AccountsByIdentity", func(t *testing.T) {
		p := newPool(t)
		ctx := context.Background()
		require.NoError(t, p.InsertAccounts(ctx, []model.Account{
			{ID: "acc-1", Title: "BBC", Platform: model.YouTube, PlatformID: "UC1", Tags: []string{"m1"}},
			{ID: "acc-2", Title: "BBC again", Platform: model.YouTube, PlatformID: "UC1", Tags: []string{"m2"}},
		}))
		a, ok, err := p.AccountByID(ctx, "acc-1")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "BBC", a.Title)
		require.Equal(t, []string{"m1"}, a.Tags)

		byTag, err := p.AccountsByTag(ctx, "m2")
		require.NoError(t, err)
		require.Len(t, byTag, 1)
		require.Equal(t, "acc-2", byTag[0].ID)

		require.NoError(t, p.AddAccountTag(ctx, "acc-1", "m2"))
		byTag, err = p.AccountsByTag(ctx, "m2")
		require.NoError(t, err)
		require.Len(t, byTag, 2)

		require.NoError(t, p.RemoveAccountTag(ctx, "acc-2", "m2"))
		kept, ok, err := p.AccountByID(ctx, "acc-2")
		require.NoError(t, err)
		require.True(t, ok, "untagged accounts are retained")
		require.Empty(t, kept.Tags)

		_, ok, err = p.AccountByID(ctx, "missing")
		require.NoError(t, err)
		require.False(t, ok)
	})
}
