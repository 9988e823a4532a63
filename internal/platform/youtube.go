package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"lookout/internal/collect"
	"lookout/internal/config"
	"lookout/internal/model"
	"lookout/internal/query"
	"lookout/internal/util"
)

// YouTube searches videos with the Data API v3. Search only returns ids and
// snippets, so each page is followed by one videos.list call for statistics.
type YouTube struct {
	client *apiClient
}

func NewYouTube(apiKey string, cfg config.APIConfig) *YouTube {
	return &YouTube{client: newAPIClient("youtube", "https://youtube.googleapis.com/youtube/v3", cfg, queryParam("key", apiKey))}
}

func (y *YouTube) Platform() model.Platform { return model.YouTube }

func youtubeParams(keywords []string, op query.Operator, excluded []string, r model.DateRange, accounts []model.Account) url.Values {
	p := url.Values{}
	p.Set("part", "snippet")
	p.Set("type", "video")
	p.Set("order", "relevance")
	sep := " "
	if op == query.Or {
		sep = "|"
	}
	q := strings.Join(keywords, sep)
	for _, e := range excluded {
		q += " -" + e
	}
	if q = strings.TrimSpace(q); q != "" {
		p.Set("q", q)
	}
	if !r.From.IsZero() {
		p.Set("publishedAfter", r.From.UTC().Format(time.RFC3339))
	}
	if !r.To.IsZero() {
		p.Set("publishedBefore", r.To.UTC().Format(time.RFC3339))
	}
	// search accepts a single channel per call
	for _, a := range accounts {
		if a.Platform == model.YouTube && a.PlatformID != "" {
			p.Set("channelId", a.PlatformID)
			break
		}
	}
	return p
}

type youtubeSearch struct {
	Items []struct {
		ID struct {
			VideoID   string `json:"videoId"`
			ChannelID string `json:"channelId"`
		} `json:"id"`
		Snippet struct {
			Title        string `json:"title"`
			ChannelTitle string `json:"channelTitle"`
			Description  string `json:"description"`
			Thumbnails   struct {
				Default struct {
					URL string `json:"url"`
				} `json:"default"`
			} `json:"thumbnails"`
		} `json:"snippet"`
	} `json:"items"`
	NextPageToken string `json:"nextPageToken"`
	PageInfo      *struct {
		TotalResults int `json:"totalResults"`
	} `json:"pageInfo"`
}

func (y *YouTube) FetchPage(ctx context.Context, req collect.PageRequest) (collect.Page, error) {
	p := youtubeParams(req.Query, req.Operator, req.Excluded, req.Range, req.Accounts)
	p.Set("maxResults", strconv.Itoa(pageSize(model.YouTube, req.PageSize)))
	if req.Cursor != "" {
		p.Set("pageToken", req.Cursor)
	}
	var res youtubeSearch
	if err := y.client.getJSON(ctx, "/search", p, &res); err != nil {
		return collect.Page{}, err
	}
	if res.PageInfo == nil {
		return collect.Page{}, fmt.Errorf("%w: search without pageInfo", ErrMalformedResponse)
	}
	ids := make([]string, 0, len(res.Items))
	for _, it := range res.Items {
		if it.ID.VideoID != "" {
			ids = append(ids, it.ID.VideoID)
		}
	}
	page := collect.Page{NextCursor: res.NextPageToken}
	if len(ids) == 0 {
		return page, nil
	}
	details, err := y.videos(ctx, ids)
	if err != nil {
		return collect.Page{}, err
	}
	page.Items = details
	return page, nil
}

func (y *YouTube) videos(ctx context.Context, ids []string) ([]collect.RawItem, error) {
	p := url.Values{}
	p.Set("part", "snippet,statistics,contentDetails")
	p.Set("id", strings.Join(ids, ","))
	var res struct {
		Items []json.RawMessage `json:"items"`
	}
	if err := y.client.getJSON(ctx, "/videos", p, &res); err != nil {
		return nil, err
	}
	if res.Items == nil {
		return nil, fmt.Errorf("%w: videos without items", ErrMalformedResponse)
	}
	out := make([]collect.RawItem, 0, len(res.Items))
	for _, d := range res.Items {
		var head struct {
			ID      string `json:"id"`
			Snippet struct {
				Title       string `json:"title"`
				Description string `json:"description"`
			} `json:"snippet"`
		}
		if err := json.Unmarshal(d, &head); err != nil {
			out = append(out, collect.RawItem{Payload: d, Err: fmt.Errorf("decode item: %w", err)})
			continue
		}
		out = append(out, collect.RawItem{ID: head.ID, Text: util.JoinText(head.Snippet.Title, head.Snippet.Description), Payload: d})
	}
	return out, nil
}

func (y *YouTube) CountHits(ctx context.Context, req collect.CountRequest) (int, error) {
	p := youtubeParams(req.Keywords, req.Operator, req.Excluded, req.Range, req.Accounts)
	p.Set("maxResults", "1")
	var res youtubeSearch
	if err := y.client.getJSON(ctx, "/search", p, &res); err != nil {
		return 0, err
	}
	if res.PageInfo == nil {
		return 0, fmt.Errorf("%w: search without pageInfo", ErrMalformedResponse)
	}
	return res.PageInfo.TotalResults, nil
}

func (y *YouTube) MapPost(item collect.RawItem, task model.CollectTask) (model.Post, error) {
	var v struct {
		ID      string `json:"id"`
		Snippet struct {
			Title       string    `json:"title"`
			Description string    `json:"description"`
			PublishedAt time.Time `json:"publishedAt"`
			ChannelID   string    `json:"channelId"`
			Thumbnails  struct {
				Default struct {
					URL string `json:"url"`
				} `json:"default"`
			} `json:"thumbnails"`
		} `json:"snippet"`
		Statistics struct {
			ViewCount     string `json:"viewCount"`
			LikeCount     string `json:"likeCount"`
			FavoriteCount string `json:"favoriteCount"`
			CommentCount  string `json:"commentCount"`
		} `json:"statistics"`
	}
	if err := json.Unmarshal(item.Payload, &v); err != nil {
		return model.Post{}, err
	}
	if v.ID == "" || v.Snippet.PublishedAt.IsZero() {
		return model.Post{}, errors.New("video without id or publishedAt")
	}
	return model.Post{
		Platform:         model.YouTube,
		PlatformID:       v.ID,
		Title:            v.Snippet.Title,
		Text:             v.Snippet.Description,
		CreatedAt:        v.Snippet.PublishedAt.UTC(),
		AuthorPlatformID: v.Snippet.ChannelID,
		URL:              "https://www.youtube.com/watch?v=" + v.ID,
		ImageURL:         v.Snippet.Thumbnails.Default.URL,
		Scores: model.Scores{
			Likes:      atoi64(v.Statistics.LikeCount),
			Views:      atoi64(v.Statistics.ViewCount),
			Love:       atoi64(v.Statistics.FavoriteCount),
			Engagement: atoi64(v.Statistics.CommentCount),
		},
		MediaStatus: model.MediaToBeDownloaded,
		APIDump:     item.Payload,
	}, nil
}

// SearchAccounts finds channels by name.
func (y *YouTube) SearchAccounts(ctx context.Context, q string, limit int) ([]model.Account, error) {
	p := url.Values{}
	p.Set("part", "snippet")
	p.Set("type", "channel")
	p.Set("q", q)
	p.Set("maxResults", strconv.Itoa(clamp(limit, 1, 50)))
	var res youtubeSearch
	if err := y.client.getJSON(ctx, "/search", p, &res); err != nil {
		return nil, err
	}
	out := make([]model.Account, 0, len(res.Items))
	for _, it := range res.Items {
		if it.ID.ChannelID == "" {
			continue
		}
		out = append(out, model.Account{
			Title:      it.Snippet.ChannelTitle,
			Platform:   model.YouTube,
			PlatformID: it.ID.ChannelID,
			URL:        "https://www.youtube.com/channel/" + it.ID.ChannelID,
			ImageURL:   it.Snippet.Thumbnails.Default.URL,
		})
	}
	return out, nil
}
