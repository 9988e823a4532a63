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
)

const vkAPIVersion = "5.131"

// VKontakte searches the VK newsfeed.
type VKontakte struct {
	client *apiClient
}

func NewVKontakte(token string, cfg config.APIConfig) *VKontakte {
	return &VKontakte{client: newAPIClient("vkontakte", "https://api.vk.com/method", cfg, queryParam("access_token", token))}
}

func (v *VKontakte) Platform() model.Platform { return model.VKontakte }

// VK wraps every answer in either "response" or "error".
type vkEnvelope struct {
	Response json.RawMessage `json:"response"`
	Error    *struct {
		Code int    `json:"error_code"`
		Msg  string `json:"error_msg"`
	} `json:"error"`
}

func (v *VKontakte) call(ctx context.Context, method string, params url.Values, out any) error {
	params.Set("v", vkAPIVersion)
	var env vkEnvelope
	if err := v.client.getJSON(ctx, "/"+method, params, &env); err != nil {
		return err
	}
	if env.Error != nil {
		return fmt.Errorf("vk %s error %d: %s", method, env.Error.Code, env.Error.Msg)
	}
	if len(env.Response) == 0 {
		return fmt.Errorf("%w: %s without response", ErrMalformedResponse, method)
	}
	if err := json.Unmarshal(env.Response, out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return nil
}

func vkQuery(keywords []string, op query.Operator, excluded []string) string {
	sep := " "
	if op == query.Or {
		sep = " OR "
	}
	q := strings.Join(keywords, sep)
	for _, e := range excluded {
		q += " -" + e
	}
	return strings.TrimSpace(q)
}

func vkParams(keywords []string, op query.Operator, excluded []string, r model.DateRange, accounts []model.Account) url.Values {
	p := url.Values{}
	if q := vkQuery(keywords, op, excluded); q != "" {
		p.Set("q", q)
	}
	if !r.From.IsZero() {
		p.Set("start_time", strconv.FormatInt(r.From.Unix(), 10))
	}
	if !r.To.IsZero() {
		p.Set("end_time", strconv.FormatInt(r.To.Unix(), 10))
	}
	var groups []string
	for _, a := range accounts {
		if a.Platform == model.VKontakte && a.PlatformID != "" {
			groups = append(groups, a.PlatformID)
		}
	}
	if len(groups) > 0 {
		p.Set("groups", strings.Join(groups, ","))
	}
	return p
}

type vkSearch struct {
	Items      []json.RawMessage `json:"items"`
	NextFrom   string            `json:"next_from"`
	TotalCount *int              `json:"total_count"`
}

func (v *VKontakte) FetchPage(ctx context.Context, req collect.PageRequest) (collect.Page, error) {
	p := vkParams(req.Query, req.Operator, req.Excluded, req.Range, req.Accounts)
	p.Set("count", strconv.Itoa(pageSize(model.VKontakte, req.PageSize)))
	if req.Cursor != "" {
		p.Set("start_from", req.Cursor)
	}
	var res vkSearch
	if err := v.call(ctx, "newsfeed.search", p, &res); err != nil {
		return collect.Page{}, err
	}
	if res.Items == nil {
		return collect.Page{}, fmt.Errorf("%w: newsfeed.search without items", ErrMalformedResponse)
	}
	page := collect.Page{NextCursor: res.NextFrom, Items: make([]collect.RawItem, 0, len(res.Items))}
	for _, d := range res.Items {
		var head struct {
			ID      int64  `json:"id"`
			OwnerID int64  `json:"owner_id"`
			Text    string `json:"text"`
		}
		if err := json.Unmarshal(d, &head); err != nil {
			page.Items = append(page.Items, collect.RawItem{Payload: d, Err: fmt.Errorf("decode item: %w", err)})
			continue
		}
		page.Items = append(page.Items, collect.RawItem{ID: vkPostID(head.OwnerID, head.ID), Text: head.Text, Payload: d})
	}
	return page, nil
}

func vkPostID(owner, id int64) string { return fmt.Sprintf("%d_%d", owner, id) }

func (v *VKontakte) CountHits(ctx context.Context, req collect.CountRequest) (int, error) {
	p := vkParams(req.Keywords, req.Operator, req.Excluded, req.Range, req.Accounts)
	p.Set("count", "1")
	var res vkSearch
	if err := v.call(ctx, "newsfeed.search", p, &res); err != nil {
		return 0, err
	}
	if res.TotalCount == nil {
		return 0, fmt.Errorf("%w: newsfeed.search without total_count", ErrMalformedResponse)
	}
	return *res.TotalCount, nil
}

func (v *VKontakte) MapPost(item collect.RawItem, task model.CollectTask) (model.Post, error) {
	var p struct {
		ID      int64  `json:"id"`
		OwnerID int64  `json:"owner_id"`
		FromID  int64  `json:"from_id"`
		Date    int64  `json:"date"`
		Text    string `json:"text"`
		Likes   *struct {
			Count int64 `json:"count"`
		} `json:"likes"`
		Reposts *struct {
			Count int64 `json:"count"`
		} `json:"reposts"`
		Views *struct {
			Count int64 `json:"count"`
		} `json:"views"`
		Comments *struct {
			Count int64 `json:"count"`
		} `json:"comments"`
	}
	if err := json.Unmarshal(item.Payload, &p); err != nil {
		return model.Post{}, err
	}
	if p.ID == 0 || p.Date == 0 {
		return model.Post{}, errors.New("vk post without id or date")
	}
	post := model.Post{
		Platform:         model.VKontakte,
		PlatformID:       vkPostID(p.OwnerID, p.ID),
		Text:             p.Text,
		CreatedAt:        time.Unix(p.Date, 0).UTC(),
		AuthorPlatformID: strconv.FormatInt(p.FromID, 10),
		URL:              fmt.Sprintf("https://vk.com/wall%d_%d", p.OwnerID, p.ID),
		APIDump:          item.Payload,
	}
	if p.Likes != nil {
		post.Scores.Likes = model.Int64(p.Likes.Count)
	}
	if p.Reposts != nil {
		post.Scores.Shares = model.Int64(p.Reposts.Count)
	}
	if p.Views != nil {
		post.Scores.Views = model.Int64(p.Views.Count)
	}
	if p.Comments != nil {
		post.Scores.Engagement = model.Int64(p.Comments.Count)
	}
	return post, nil
}

// SearchAccounts looks up groups and profiles with search.getHints.
func (v *VKontakte) SearchAccounts(ctx context.Context, q string, limit int) ([]model.Account, error) {
	p := url.Values{}
	p.Set("q", q)
	p.Set("limit", strconv.Itoa(clamp(limit, 1, 200)))
	p.Set("search_global", "1")
	var res struct {
		Items []struct {
			Type  string `json:"type"`
			Group *struct {
				ID         int64  `json:"id"`
				Name       string `json:"name"`
				ScreenName string `json:"screen_name"`
				Photo      string `json:"photo_50"`
			} `json:"group"`
			Profile *struct {
				ID         int64  `json:"id"`
				FirstName  string `json:"first_name"`
				LastName   string `json:"last_name"`
				ScreenName string `json:"screen_name"`
			} `json:"profile"`
		} `json:"items"`
	}
	if err := v.call(ctx, "search.getHints", p, &res); err != nil {
		return nil, err
	}
	var out []model.Account
	for _, it := range res.Items {
		switch {
		case it.Group != nil:
			out = append(out, model.Account{
				Title:      it.Group.Name,
				Platform:   model.VKontakte,
				PlatformID: strconv.FormatInt(it.Group.ID, 10),
				URL:        "https://vk.com/" + it.Group.ScreenName,
				ImageURL:   it.Group.Photo,
			})
		case it.Profile != nil:
			out = append(out, model.Account{
				Title:      strings.TrimSpace(it.Profile.FirstName + " " + it.Profile.LastName),
				Platform:   model.VKontakte,
				PlatformID: strconv.FormatInt(it.Profile.ID, 10),
				URL:        "https://vk.com/" + it.Profile.ScreenName,
			})
		}
	}
	return out, nil
}
