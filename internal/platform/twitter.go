package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"lookout/internal/collect"
	"lookout/internal/config"
	"lookout/internal/model"
	"lookout/internal/query"
)

// Twitter searches recent posts through the X API v2.
type Twitter struct {
	client *apiClient
}

func NewTwitter(bearerToken string, cfg config.APIConfig) *Twitter {
	return &Twitter{client: newAPIClient("twitter", "https://api.twitter.com/2", cfg, bearer(bearerToken))}
}

func (t *Twitter) Platform() model.Platform { return model.Twitter }

type tweet struct {
	ID            string    `json:"id"`
	Text          string    `json:"text"`
	CreatedAt     time.Time `json:"created_at"`
	AuthorID      string    `json:"author_id"`
	Lang          string    `json:"lang"`
	PublicMetrics struct {
		LikeCount       int64 `json:"like_count"`
		ReplyCount      int64 `json:"reply_count"`
		RetweetCount    int64 `json:"retweet_count"`
		QuoteCount      int64 `json:"quote_count"`
		ImpressionCount int64 `json:"impression_count"`
	} `json:"public_metrics"`
}

// twitterQuery renders keywords in X search syntax: quoted phrases, OR
// groups, "-" exclusions and from: account filters.
func twitterQuery(keywords []string, op query.Operator, excluded []string, accounts []model.Account) string {
	quote := func(k string) string {
		if strings.ContainsAny(k, " \t") {
			return `"` + k + `"`
		}
		return k
	}
	var parts []string
	if len(keywords) > 0 {
		qs := make([]string, len(keywords))
		for i, k := range keywords {
			qs[i] = quote(k)
		}
		if op == query.Or && len(qs) > 1 {
			parts = append(parts, "("+strings.Join(qs, " OR ")+")")
		} else {
			parts = append(parts, strings.Join(qs, " "))
		}
	}
	var from []string
	for _, a := range accounts {
		if a.Platform == model.Twitter && a.PlatformID != "" {
			from = append(from, "from:"+a.PlatformID)
		}
	}
	if len(from) == 1 {
		parts = append(parts, from[0])
	} else if len(from) > 1 {
		parts = append(parts, "("+strings.Join(from, " OR ")+")")
	}
	for _, e := range excluded {
		parts = append(parts, "-"+quote(e))
	}
	return strings.Join(parts, " ")
}

func twitterWindow(v url.Values, r model.DateRange) {
	if !r.From.IsZero() {
		v.Set("start_time", r.From.UTC().Format(time.RFC3339))
	}
	if !r.To.IsZero() {
		v.Set("end_time", r.To.UTC().Format(time.RFC3339))
	}
}

func (t *Twitter) FetchPage(ctx context.Context, req collect.PageRequest) (collect.Page, error) {
	v := url.Values{}
	v.Set("query", twitterQuery(req.Query, req.Operator, req.Excluded, req.Accounts))
	v.Set("max_results", fmt.Sprint(pageSize(model.Twitter, req.PageSize)))
	v.Set("tweet.fields", "created_at,public_metrics,lang,author_id")
	twitterWindow(v, req.Range)
	if req.Cursor != "" {
		v.Set("next_token", req.Cursor)
	}
	var raw struct {
		Data []json.RawMessage `json:"data"`
		Meta *struct {
			ResultCount int    `json:"result_count"`
			NextToken   string `json:"next_token"`
		} `json:"meta"`
	}
	if err := t.client.getJSON(ctx, "/tweets/search/recent", v, &raw); err != nil {
		return collect.Page{}, err
	}
	if raw.Meta == nil {
		return collect.Page{}, fmt.Errorf("%w: search response has no meta", ErrMalformedResponse)
	}
	page := collect.Page{NextCursor: raw.Meta.NextToken, Items: make([]collect.RawItem, 0, len(raw.Data))}
	for _, d := range raw.Data {
		var head struct {
			ID   string `json:"id"`
			Text string `json:"text"`
		}
		if err := json.Unmarshal(d, &head); err != nil {
			page.Items = append(page.Items, collect.RawItem{Payload: d, Err: fmt.Errorf("decode item: %w", err)})
			continue
		}
		page.Items = append(page.Items, collect.RawItem{ID: head.ID, Text: head.Text, Payload: d})
	}
	return page, nil
}

func (t *Twitter) CountHits(ctx context.Context, req collect.CountRequest) (int, error) {
	v := url.Values{}
	v.Set("query", twitterQuery(req.Keywords, req.Operator, req.Excluded, req.Accounts))
	v.Set("granularity", "day")
	twitterWindow(v, req.Range)
	var raw struct {
		Meta *struct {
			TotalTweetCount int `json:"total_tweet_count"`
		} `json:"meta"`
	}
	if err := t.client.getJSON(ctx, "/tweets/counts/recent", v, &raw); err != nil {
		return 0, err
	}
	if raw.Meta == nil {
		return 0, fmt.Errorf("%w: counts response has no meta", ErrMalformedResponse)
	}
	return raw.Meta.TotalTweetCount, nil
}

func (t *Twitter) MapPost(item collect.RawItem, task model.CollectTask) (model.Post, error) {
	var tw tweet
	if err := json.Unmarshal(item.Payload, &tw); err != nil {
		return model.Post{}, err
	}
	if tw.ID == "" {
		return model.Post{}, errors.New("tweet without id")
	}
	if tw.CreatedAt.IsZero() {
		return model.Post{}, errors.New("tweet without created_at")
	}
	m := tw.PublicMetrics
	return model.Post{
		Platform:         model.Twitter,
		PlatformID:       tw.ID,
		Text:             tw.Text,
		CreatedAt:        tw.CreatedAt.UTC(),
		AuthorPlatformID: tw.AuthorID,
		URL:              "https://twitter.com/i/web/status/" + tw.ID,
		Scores: model.Scores{
			Likes:      model.Int64(m.LikeCount),
			Shares:     model.Int64(m.RetweetCount + m.QuoteCount),
			Views:      model.Int64(m.ImpressionCount),
			Engagement: model.Int64(m.LikeCount + m.RetweetCount + m.QuoteCount + m.ReplyCount),
		},
		APIDump: item.Payload,
	}, nil
}

// SearchAccounts resolves q as a username. The v2 API has no free-text user
// search, so at most one account is returned.
func (t *Twitter) SearchAccounts(ctx context.Context, q string, limit int) ([]model.Account, error) {
	name := strings.TrimPrefix(strings.TrimSpace(q), "@")
	if name == "" || strings.ContainsAny(name, " \t") {
		return nil, nil
	}
	v := url.Values{}
	v.Set("user.fields", "profile_image_url,description")
	var raw struct {
		Data *struct {
			ID              string `json:"id"`
			Name            string `json:"name"`
			Username        string `json:"username"`
			ProfileImageURL string `json:"profile_image_url"`
		} `json:"data"`
	}
	err := t.client.getJSON(ctx, "/users/by/username/"+url.PathEscape(name), v, &raw)
	var se *StatusError
	if errors.As(err, &se) && se.Code == 404 {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if raw.Data == nil {
		return nil, nil
	}
	return []model.Account{{
		Title:      raw.Data.Name,
		Platform:   model.Twitter,
		PlatformID: raw.Data.ID,
		URL:        "https://twitter.com/" + raw.Data.Username,
		ImageURL:   raw.Data.ProfileImageURL,
	}}, nil
}
