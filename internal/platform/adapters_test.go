package platform

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lookout/internal/collect"
	"lookout/internal/config"
	"lookout/internal/model"
	"lookout/internal/query"
)

var window = model.DateRange{
	From: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	To:   time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC),
}

func serve(t *testing.T, h http.HandlerFunc) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	return ts
}

func TestTwitterFetchPageAndMap(t *testing.T) {
	var seen *http.Request
	ts := serve(t, func(w http.ResponseWriter, r *http.Request) {
		seen = r
		assert.Equal(t, "/tweets/search/recent", r.URL.Path)
		_, _ = w.Write([]byte(`{
			"data":[{"id":"11","text":"Russia and Ukraine","created_at":"2024-03-01T10:00:00Z","author_id":"99",
			         "public_metrics":{"like_count":3,"retweet_count":2,"reply_count":1,"quote_count":1,"impression_count":40}}],
			"meta":{"result_count":1,"next_token":"nt2"}}`))
	})
	tw := NewTwitter("tkn", config.APIConfig{})
	tw.client = newTestClient(ts, bearer("tkn"))

	page, err := tw.FetchPage(context.Background(), collect.PageRequest{
		Cursor: "nt1", Query: []string{"Russia"}, Operator: query.And, Excluded: []string{"football"},
		Range: window, PageSize: 50,
		Accounts: []model.Account{{Platform: model.Twitter, PlatformID: "bbc"}},
	})
	require.NoError(t, err)
	require.Equal(t, "nt2", page.NextCursor)
	require.Len(t, page.Items, 1)
	require.Equal(t, "11", page.Items[0].ID)

	q := seen.URL.Query()
	require.Equal(t, "Russia from:bbc -football", q.Get("query"))
	require.Equal(t, "nt1", q.Get("next_token"))
	require.Equal(t, "50", q.Get("max_results"))
	require.Equal(t, "2024-03-01T00:00:00Z", q.Get("start_time"))
	require.Equal(t, "Bearer tkn", seen.Header.Get("Authorization"))

	post, err := tw.MapPost(page.Items[0], model.CollectTask{MonitorID: "m"})
	require.NoError(t, err)
	require.Equal(t, "99", post.AuthorPlatformID)
	require.Equal(t, int64(3), *post.Scores.Likes)
	require.Equal(t, int64(3), *post.Scores.Shares)
	require.Equal(t, int64(40), *post.Scores.Views)
	require.Equal(t, int64(7), *post.Scores.Engagement)
	require.NotEmpty(t, post.APIDump)
}

func TestTwitterUndecodableItemCarriesError(t *testing.T) {
	ts := serve(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[{"id":"1","text":"ok"},42],"meta":{"result_count":2}}`))
	})
	tw := NewTwitter("tkn", config.APIConfig{})
	tw.client = newTestClient(ts, bearer("tkn"))

	page, err := tw.FetchPage(context.Background(), collect.PageRequest{Query: []string{"ok"}, PageSize: 10})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	require.NoError(t, page.Items[0].Err)
	require.Error(t, page.Items[1].Err)
	require.Empty(t, page.Items[1].ID)
	require.JSONEq(t, `42`, string(page.Items[1].Payload))
}

func TestTwitterQuerySyntax(t *testing.T) {
	got := twitterQuery([]string{"climate change", "flood"}, query.Or, nil, []model.Account{
		{Platform: model.Twitter, PlatformID: "a"}, {Platform: model.Twitter, PlatformID: "b"}, {Platform: model.YouTube, PlatformID: "c"},
	})
	require.Equal(t, `("climate change" OR flood) (from:a OR from:b)`, got)
}

func TestTwitterMissingMetaIsMalformed(t *testing.T) {
	ts := serve(t, func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte(`{"data":[]}`)) })
	tw := NewTwitter("", config.APIConfig{})
	tw.client = newTestClient(ts, nil)
	_, err := tw.FetchPage(context.Background(), collect.PageRequest{Query: []string{"x"}, PageSize: 10})
	require.True(t, errors.Is(err, ErrMalformedResponse))
	_, err = tw.CountHits(context.Background(), collect.CountRequest{Keywords: []string{"x"}})
	require.True(t, errors.Is(err, ErrMalformedResponse))
}

func TestTwitterCountAndAccountLookup(t *testing.T) {
	ts := serve(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/tweets/counts/recent":
			_, _ = w.Write([]byte(`{"data":[],"meta":{"total_tweet_count":120}}`))
		case "/users/by/username/bbcworld":
			_, _ = w.Write([]byte(`{"data":{"id":"742143","name":"BBC News (World)","username":"BBCWorld"}}`))
		default:
			http.NotFound(w, r)
		}
	})
	tw := NewTwitter("", config.APIConfig{})
	tw.client = newTestClient(ts, nil)
	n, err := tw.CountHits(context.Background(), collect.CountRequest{Keywords: []string{"Russia"}, Range: window})
	require.NoError(t, err)
	require.Equal(t, 120, n)

	accs, err := tw.SearchAccounts(context.Background(), "@bbcworld", 5)
	require.NoError(t, err)
	require.Len(t, accs, 1)
	require.Equal(t, "742143", accs[0].PlatformID)

	accs, err = tw.SearchAccounts(context.Background(), "nobody", 5)
	require.NoError(t, err)
	require.Empty(t, accs)
}

func TestVKontakteFetchCountAndErrors(t *testing.T) {
	ts := serve(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, vkAPIVersion, q.Get("v"))
		assert.Equal(t, "vk-token", q.Get("access_token"))
		switch {
		case q.Get("q") == "broken":
			_, _ = w.Write([]byte(`{"error":{"error_code":5,"error_msg":"User authorization failed"}}`))
		case q.Get("q") == "empty":
			_, _ = w.Write([]byte(`{}`))
		case q.Get("count") == "1":
			_, _ = w.Write([]byte(`{"response":{"items":[],"total_count":500}}`))
		default:
			assert.Equal(t, "-1,-2", q.Get("groups"))
			assert.Equal(t, "Ukraine -sport", q.Get("q"))
			_, _ = w.Write([]byte(`{"response":{"items":[
				{"id":7,"owner_id":-1,"from_id":-1,"date":1709287200,"text":"Ukraine news","likes":{"count":4},"reposts":{"count":1}}
			],"next_from":"7/-1","total_count":500}}`))
		}
	})
	vk := NewVKontakte("vk-token", config.APIConfig{})
	vk.client = newTestClient(ts, queryParam("access_token", "vk-token"))

	page, err := vk.FetchPage(context.Background(), collect.PageRequest{
		Query: []string{"Ukraine"}, Operator: query.And, Excluded: []string{"sport"}, Range: window, PageSize: 50,
		Accounts: []model.Account{{Platform: model.VKontakte, PlatformID: "-1"}, {Platform: model.VKontakte, PlatformID: "-2"}},
	})
	require.NoError(t, err)
	require.Equal(t, "7/-1", page.NextCursor)
	require.Equal(t, "-1_7", page.Items[0].ID)

	post, err := vk.MapPost(page.Items[0], model.CollectTask{})
	require.NoError(t, err)
	require.Equal(t, "https://vk.com/wall-1_7", post.URL)
	require.Equal(t, time.Unix(1709287200, 0).UTC(), post.CreatedAt)
	require.Equal(t, int64(4), *post.Scores.Likes)
	require.Nil(t, post.Scores.Views)

	n, err := vk.CountHits(context.Background(), collect.CountRequest{Keywords: []string{"Ukraine"}})
	require.NoError(t, err)
	require.Equal(t, 500, n)

	_, err = vk.FetchPage(context.Background(), collect.PageRequest{Query: []string{"broken"}, PageSize: 10})
	require.ErrorContains(t, err, "User authorization failed")
	_, err = vk.FetchPage(context.Background(), collect.PageRequest{Query: []string{"empty"}, PageSize: 10})
	require.ErrorIs(t, err, ErrMalformedResponse)
}

func TestVKontakteMapRejectsIncompletePost(t *testing.T) {
	vk := NewVKontakte("", config.APIConfig{})
	_, err := vk.MapPost(collect.RawItem{ID: "x", Payload: []byte(`{"text":"no id"}`)}, model.CollectTask{})
	require.Error(t, err)
}

func TestYouTubeFetchJoinsVideoDetails(t *testing.T) {
	ts := serve(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/search":
			assert.Equal(t, "UC1", r.URL.Query().Get("channelId"))
			_, _ = w.Write([]byte(`{"items":[{"id":{"videoId":"v1"}},{"id":{"videoId":"v2"}}],
				"nextPageToken":"p2","pageInfo":{"totalResults":77}}`))
		case "/videos":
			assert.Equal(t, "v1,v2", r.URL.Query().Get("id"))
			_, _ = w.Write([]byte(`{"items":[
				{"id":"v1","snippet":{"title":"Kyiv","description":"report","publishedAt":"2024-03-01T08:00:00Z","channelId":"UC1"},
				 "statistics":{"viewCount":"100","likeCount":"5","commentCount":"2"}},
				{"id":"v2","snippet":{"title":"Other","description":"","publishedAt":"2024-03-01T09:00:00Z","channelId":"UC1"},
				 "statistics":{}}]}`))
		}
	})
	yt := NewYouTube("key", config.APIConfig{})
	yt.client = newTestClient(ts, queryParam("key", "key"))

	page, err := yt.FetchPage(context.Background(), collect.PageRequest{
		Query: []string{"Kyiv"}, Range: window, PageSize: 50,
		Accounts: []model.Account{{Platform: model.YouTube, PlatformID: "UC1"}},
	})
	require.NoError(t, err)
	require.Equal(t, "p2", page.NextCursor)
	require.Len(t, page.Items, 2)
	require.Equal(t, "Kyiv report", page.Items[0].Text)

	post, err := yt.MapPost(page.Items[0], model.CollectTask{})
	require.NoError(t, err)
	require.Equal(t, model.MediaToBeDownloaded, post.MediaStatus)
	require.Equal(t, int64(100), *post.Scores.Views)
	require.Equal(t, "https://www.youtube.com/watch?v=v1", post.URL)

	other, err := yt.MapPost(page.Items[1], model.CollectTask{})
	require.NoError(t, err)
	require.Nil(t, other.Scores.Likes)

	n, err := yt.CountHits(context.Background(), collect.CountRequest{Keywords: []string{"Kyiv"},
		Accounts: []model.Account{{Platform: model.YouTube, PlatformID: "UC1"}}})
	require.NoError(t, err)
	require.Equal(t, 77, n)
}

func TestFacebookOffsetCursor(t *testing.T) {
	var offsets []string
	ts := serve(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("count") == "0" {
			_, _ = w.Write([]byte(`{"status":200,"result":{"posts":[],"hitCount":42}}`))
			return
		}
		offsets = append(offsets, q.Get("offset"))
		assert.Equal(t, "a OR b", q.Get("searchTerm"))
		_, _ = w.Write([]byte(`{"status":200,"result":{"posts":[
			{"platformId":"1_2","message":"a story","description":"more","date":"2024-03-01 10:00:00",
			 "postUrl":"https://facebook.com/1/posts/2","account":{"id":1},
			 "statistics":{"actual":{"likeCount":9,"angryCount":1}}}
		],"pagination":{"nextPage":"https://api.crowdtangle.com/posts/search?offset=20"}}}`))
	})
	fb := NewFacebook("tok", config.APIConfig{})
	fb.posts = newTestClient(ts, queryParam("token", "tok"))

	page, err := fb.FetchPage(context.Background(), collect.PageRequest{Query: []string{"a", "b"}, Operator: query.Or, PageSize: 20})
	require.NoError(t, err)
	require.Equal(t, "20", page.NextCursor)
	_, err = fb.FetchPage(context.Background(), collect.PageRequest{Cursor: page.NextCursor, Query: []string{"a", "b"}, Operator: query.Or, PageSize: 20})
	require.NoError(t, err)
	require.Equal(t, []string{"0", "20"}, offsets)

	post, err := fb.MapPost(page.Items[0], model.CollectTask{})
	require.NoError(t, err)
	require.Equal(t, "a story more", post.Text)
	require.Equal(t, "1", post.AuthorPlatformID)
	require.Equal(t, int64(9), *post.Scores.Likes)
	require.Equal(t, int64(1), *post.Scores.Angry)
	require.Nil(t, post.Scores.Wow)
	require.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), post.CreatedAt)

	n, err := fb.CountHits(context.Background(), collect.CountRequest{Keywords: []string{"a", "b"}, Operator: query.Or})
	require.NoError(t, err)
	require.Equal(t, 42, n)
}

func TestNewRegistryRegistersConfiguredPlatforms(t *testing.T) {
	cfg := config.Default()
	cfg.Credentials.TwitterBearerToken = "t"
	cfg.Credentials.YouTubeKey = "y"
	reg := NewRegistry(cfg)
	require.Equal(t, []model.Platform{model.Twitter, model.YouTube}, reg.Platforms())
	_, ok := reg.Get(model.Telegram)
	require.False(t, ok)
}
