package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Platform identifies a remote social-media source.
type Platform string

const (
	Twitter   Platform = "twitter"
	VKontakte Platform = "vkontakte"
	YouTube   Platform = "youtube"
	Facebook  Platform = "facebook"
	Telegram  Platform = "telegram"
)

// Platforms lists every known platform in a stable order.
var Platforms = []Platform{Twitter, VKontakte, YouTube, Facebook, Telegram}

// ParsePlatform maps a case-insensitive name to a Platform.
func ParsePlatform(s string) (Platform, error) {
	p := Platform(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("unknown platform %q", s)
	}
	return p, nil
}

// Valid reports whether p is one of the known platforms.
func (p Platform) Valid() bool {
	for _, k := range Platforms {
		if k == p {
			return true
		}
	}
	return false
}

// PageSizeLimits is the page size range the platform API accepts. A zero
// upper bound means the platform has no page-size parameter.
func (p Platform) PageSizeLimits() (lo, hi int) {
	switch p {
	case Twitter:
		return 10, 100
	case VKontakte:
		return 1, 200
	case YouTube:
		return 1, 50
	case Facebook:
		return 1, 100
	}
	return 0, 0
}

// DateRange is the [From, To] window a collection covers. A zero To means "now".
type DateRange struct {
	From time.Time `yaml:"from" json:"from"`
	To   time.Time `yaml:"to,omitempty" json:"to,omitempty"`
}

// Resolve returns a copy with an open upper bound replaced by now.
func (r DateRange) Resolve(now time.Time) DateRange {
	if r.To.IsZero() {
		r.To = now
	}
	return r
}

// Monitor is a named recurring search configuration.
type Monitor struct {
	ID               string
	Title            string
	Descr            string
	DateFrom         time.Time
	DateTo           time.Time // zero means open-ended
	Platforms        []Platform
	Languages        []string
	CollectActionIDs []string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Range returns the monitor's configured date range.
func (m Monitor) Range() DateRange { return DateRange{From: m.DateFrom, To: m.DateTo} }

// SearchTerm is a globally unique term shared by every monitor listed in Tags.
type SearchTerm struct {
	ID   string
	Term string
	Tags []string
}

// Account is a tracked platform account shared by every monitor listed in Tags.
// Identity is ID; (Platform, PlatformID) is not guaranteed unique.
type Account struct {
	ID         string
	Title      string
	Platform   Platform
	PlatformID string
	URL        string
	ImageURL   string
	Tags       []string
}

// AccountSpec is an account as referenced in a monitor create/edit request.
// ID is empty when the caller does not know a local account id.
type AccountSpec struct {
	ID         string   `yaml:"id,omitempty" json:"id,omitempty"`
	Title      string   `yaml:"title" json:"title"`
	Platform   Platform `yaml:"platform" json:"platform"`
	PlatformID string   `yaml:"platformId" json:"platform_id"`
	URL        string   `yaml:"url,omitempty" json:"url,omitempty"`
}

// CollectAction drives one platform's collection for a monitor. Entities are
// resolved at run time through the tag sets, never stored by id.
type CollectAction struct {
	ID             string
	MonitorID      string
	Platform       Platform
	SearchTermTags []string
	AccountTags    []string
	Tags           []string
}

// CollectTask is the runtime unit consumed by a platform collector.
type CollectTask struct {
	MonitorID string
	Platform  Platform
	Query     string
	Range     DateRange
	Accounts  []Account
	Sample    bool
}

// Scores holds optional engagement counters.
type Scores struct {
	Likes      *int64 `json:"likes,omitempty"`
	Shares     *int64 `json:"shares,omitempty"`
	Views      *int64 `json:"views,omitempty"`
	Engagement *int64 `json:"engagement,omitempty"`
	Love       *int64 `json:"love,omitempty"`
	Wow        *int64 `json:"wow,omitempty"`
	Sad        *int64 `json:"sad,omitempty"`
	Angry      *int64 `json:"angry,omitempty"`
}

// MediaStatus tracks whether a post's media still has to be fetched.
type MediaStatus string

const (
	MediaNone           MediaStatus = ""
	MediaToBeDownloaded MediaStatus = "to_be_downloaded"
)

// Post is the canonical collected record.
type Post struct {
	Platform         Platform
	PlatformID       string
	Title            string
	Text             string
	CreatedAt        time.Time
	AuthorPlatformID string
	URL              string
	ImageURL         string
	Scores           Scores
	MediaStatus      MediaStatus
	APIDump          json.RawMessage
	MonitorIDs       []string
}

// MonitorRequest is the payload for creating or editing a monitor.
// On edit a zero DateFrom/DateTo leaves the stored value untouched.
type MonitorRequest struct {
	ID          string        `yaml:"id,omitempty" json:"id,omitempty"`
	Title       string        `yaml:"title" json:"title"`
	Descr       string        `yaml:"descr" json:"descr"`
	DateFrom    time.Time     `yaml:"dateFrom" json:"date_from"`
	DateTo      time.Time     `yaml:"dateTo,omitempty" json:"date_to,omitempty"`
	SearchTerms []string      `yaml:"searchTerms" json:"search_terms"`
	Accounts    []AccountSpec `yaml:"accounts" json:"accounts"`
	Platforms   []Platform    `yaml:"platforms,omitempty" json:"platforms,omitempty"`
	Languages   []string      `yaml:"languages,omitempty" json:"languages,omitempty"`
}

// Int64 returns a pointer to v, for building Scores.
func Int64(v int64) *int64 { return &v }
