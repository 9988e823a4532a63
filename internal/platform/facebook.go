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

// CrowdTangle timestamps carry no zone and are UTC.
const crowdTangleTime = "2006-01-02 15:04:05"

// Facebook collects public posts through CrowdTangle and searches pages
// through the Graph API. Pagination is offset based; the cursor is the offset.
type Facebook struct {
	posts *apiClient
	graph *apiClient
}

func NewFacebook(token string, cfg config.APIConfig) *Facebook {
	return &Facebook{
		posts: newAPIClient("facebook", "https://api.crowdtangle.com", cfg, queryParam("token", token)),
		graph: newAPIClient("facebook-graph", "https://graph.facebook.com", cfg, queryParam("access_token", token)),
	}
}

func (f *Facebook) Platform() model.Platform { return model.Facebook }

func crowdTangleParams(keywords []string, op query.Operator, excluded []string, r model.DateRange, accounts []model.Account) url.Values {
	p := url.Values{}
	sep := " AND "
	if op == query.Or {
		sep = " OR "
	}
	if len(keywords) > 0 {
		p.Set("searchTerm", strings.Join(keywords, sep))
	}
	if len(excluded) > 0 {
		p.Set("not", strings.Join(excluded, ","))
	}
	if !r.From.IsZero() {
		p.Set("startDate", r.From.UTC().Format("2006-01-02T15:04:05"))
	}
	if !r.To.IsZero() {
		p.Set("endDate", r.To.UTC().Format("2006-01-02T15:04:05"))
	}
	var ids []string
	for _, a := range accounts {
		if a.Platform == model.Facebook && a.PlatformID != "" {
			ids = append(ids, a.PlatformID)
		}
	}
	if len(ids) > 0 {
		p.Set("accounts", strings.Join(ids, ","))
	}
	return p
}

type crowdTangleSearch struct {
	Status int `json:"status"`
	Result *struct {
		Posts      []json.RawMessage `json:"posts"`
		HitCount   *int              `json:"hitCount"`
		Pagination struct {
			NextPage string `json:"nextPage"`
		} `json:"pagination"`
	} `json:"result"`
}

func (f *Facebook) FetchPage(ctx context.Context, req collect.PageRequest) (collect.Page, error) {
	p := crowdTangleParams(req.Query, req.Operator, req.Excluded, req.Range, req.Accounts)
	count := pageSize(model.Facebook, req.PageSize)
	offset := 0
	if req.Cursor != "" {
		n, err := strconv.Atoi(req.Cursor)
		if err != nil {
			return collect.Page{}, fmt.Errorf("bad offset cursor %q: %w", req.Cursor, err)
		}
		offset = n
	}
	p.Set("count", strconv.Itoa(count))
	p.Set("offset", strconv.Itoa(offset))
	var res crowdTangleSearch
	if err := f.posts.getJSON(ctx, "/posts/search", p, &res); err != nil {
		return collect.Page{}, err
	}
	if res.Result == nil || res.Result.Posts == nil {
		return collect.Page{}, fmt.Errorf("%w: posts/search without result.posts", ErrMalformedResponse)
	}
	page := collect.Page{Items: make([]collect.RawItem, 0, len(res.Result.Posts))}
	if res.Result.Pagination.NextPage != "" {
		page.NextCursor = strconv.Itoa(offset + count)
	}
	for _, d := range res.Result.Posts {
		var head struct {
			PlatformID  string `json:"platformId"`
			Message     string `json:"message"`
			Description string `json:"description"`
		}
		if err := json.Unmarshal(d, &head); err != nil {
			page.Items = append(page.Items, collect.RawItem{Payload: d, Err: fmt.Errorf("decode item: %w", err)})
			continue
		}
		page.Items = append(page.Items, collect.RawItem{ID: head.PlatformID, Text: util.JoinText(head.Message, head.Description), Payload: d})
	}
	return page, nil
}

func (f *Facebook) CountHits(ctx context.Context, req collect.CountRequest) (int, error) {
	p := crowdTangleParams(req.Keywords, req.Operator, req.Excluded, req.Range, req.Accounts)
	p.Set("count", "0")
	var res crowdTangleSearch
	if err := f.posts.getJSON(ctx, "/posts/search", p, &res); err != nil {
		return 0, err
	}
	if res.Result == nil || res.Result.HitCount == nil {
		return 0, fmt.Errorf("%w: posts/search without result.hitCount", ErrMalformedResponse)
	}
	return *res.Result.HitCount, nil
}

func (f *Facebook) MapPost(item collect.RawItem, task model.CollectTask) (model.Post, error) {
	var p struct {
		PlatformID  string `json:"platformId"`
		Title       string `json:"title"`
		Message     string `json:"message"`
		Description string `json:"description"`
		Date        string `json:"date"`
		PostURL     string `json:"postUrl"`
		Account     *struct {
			ID int64 `json:"id"`
		} `json:"account"`
		Statistics struct {
			Actual map[string]int64 `json:"actual"`
		} `json:"statistics"`
	}
	if err := json.Unmarshal(item.Payload, &p); err != nil {
		return model.Post{}, err
	}
	if p.PlatformID == "" {
		return model.Post{}, errors.New("post without platformId")
	}
	created, err := time.Parse(crowdTangleTime, p.Date)
	if err != nil {
		return model.Post{}, fmt.Errorf("post date: %w", err)
	}
	title := p.Title
	if title == "" {
		title = p.Message
	}
	post := model.Post{
		Platform:   model.Facebook,
		PlatformID: p.PlatformID,
		Title:      title,
		Text:       util.JoinText(p.Message, p.Description),
		CreatedAt:  created.UTC(),
		URL:        p.PostURL,
		APIDump:    item.Payload,
	}
	if p.Account != nil {
		post.AuthorPlatformID = strconv.FormatInt(p.Account.ID, 10)
	}
	stat := func(k string) *int64 {
		if v, ok := p.Statistics.Actual[k]; ok {
			return model.Int64(v)
		}
		return nil
	}
	post.Scores = model.Scores{
		Likes:      stat("likeCount"),
		Shares:     stat("shareCount"),
		Love:       stat("loveCount"),
		Wow:        stat("wowCount"),
		Sad:        stat("sadCount"),
		Angry:      stat("angryCount"),
		Engagement: stat("commentCount"),
	}
	return post, nil
}

// SearchAccounts finds public pages by name.
func (f *Facebook) SearchAccounts(ctx context.Context, q string, limit int) ([]model.Account, error) {
	p := url.Values{}
	p.Set("q", q)
	p.Set("fields", "id,name,link")
	p.Set("limit", strconv.Itoa(clamp(limit, 1, 100)))
	var res struct {
		Data []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
			Link string `json:"link"`
		} `json:"data"`
	}
	if err := f.graph.getJSON(ctx, "/pages/search", p, &res); err != nil {
		return nil, err
	}
	out := make([]model.Account, 0, len(res.Data))
	for _, d := range res.Data {
		out = append(out, model.Account{Title: d.Name, Platform: model.Facebook, PlatformID: d.ID, URL: d.Link})
	}
	return out, nil
}
