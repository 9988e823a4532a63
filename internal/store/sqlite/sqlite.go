// Package sqlite is the durable store: entity pool, monitors, collect actions,
// collected posts and run checkpoints in a single SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"lookout/internal/model"
	"lookout/internal/pool"
)

const (
	kindTerm    = "term"
	kindAccount = "account"
)

// DB wraps a SQLite database.
type DB struct{ sql *sql.DB }

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var _ pool.Pool = (*DB)(nil)

// Open opens (or creates) the database at path and applies the schema.
func Open(path string) (*DB, error) {
	d, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// one connection: keeps ":memory:" databases shared and serializes writers
	d.SetMaxOpenConns(1)
	d.SetMaxIdleConns(1)
	d.SetConnMaxIdleTime(5 * time.Minute)
	if _, err := d.Exec(`PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL; PRAGMA foreign_keys=ON;`); err != nil {
		_ = d.Close()
		return nil, err
	}
	db := &DB{sql: d}
	if err := db.migrate(); err != nil {
		_ = d.Close()
		return nil, err
	}
	return db, nil
}

func (d *DB) Close() error { return d.sql.Close() }

func (d *DB) migrate() error {
	_, err := d.sql.Exec(`
	CREATE TABLE IF NOT EXISTS monitors (
	  id TEXT PRIMARY KEY,
	  title TEXT NOT NULL,
	  descr TEXT NOT NULL DEFAULT '',
	  date_from INTEGER NOT NULL DEFAULT 0,
	  date_to INTEGER NOT NULL DEFAULT 0,
	  platforms TEXT NOT NULL DEFAULT '[]',
	  languages TEXT NOT NULL DEFAULT '[]',
	  collect_action_ids TEXT NOT NULL DEFAULT '[]',
	  created_at INTEGER NOT NULL,
	  updated_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS search_terms (
	  id TEXT PRIMARY KEY,
	  term TEXT NOT NULL UNIQUE
	);
	CREATE TABLE IF NOT EXISTS accounts (
	  id TEXT PRIMARY KEY,
	  title TEXT NOT NULL DEFAULT '',
	  platform TEXT NOT NULL,
	  platform_id TEXT NOT NULL,
	  url TEXT NOT NULL DEFAULT '',
	  image_url TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_accounts_platform ON accounts(platform, platform_id);
	CREATE TABLE IF NOT EXISTS entity_tags (
	  kind TEXT NOT NULL,
	  entity_id TEXT NOT NULL,
	  tag TEXT NOT NULL,
	  PRIMARY KEY (kind, entity_id, tag)
	);
	CREATE INDEX IF NOT EXISTS idx_entity_tags_tag ON entity_tags(kind, tag);
	CREATE TABLE IF NOT EXISTS collect_actions (
	  id TEXT PRIMARY KEY,
	  monitor_id TEXT NOT NULL,
	  platform TEXT NOT NULL,
	  search_term_tags TEXT NOT NULL DEFAULT '[]',
	  account_tags TEXT NOT NULL DEFAULT '[]',
	  tags TEXT NOT NULL DEFAULT '[]',
	  UNIQUE (monitor_id, platform)
	);
	CREATE TABLE IF NOT EXISTS posts (
	  platform TEXT NOT NULL,
	  platform_id TEXT NOT NULL,
	  title TEXT NOT NULL DEFAULT '',
	  text TEXT NOT NULL DEFAULT '',
	  created_at INTEGER NOT NULL,
	  author_platform_id TEXT NOT NULL DEFAULT '',
	  url TEXT NOT NULL DEFAULT '',
	  image_url TEXT NOT NULL DEFAULT '',
	  scores TEXT NOT NULL DEFAULT '{}',
	  media_status TEXT NOT NULL DEFAULT '',
	  api_dump TEXT,
	  PRIMARY KEY (platform, platform_id)
	);
	CREATE INDEX IF NOT EXISTS idx_posts_created ON posts(created_at);
	CREATE TABLE IF NOT EXISTS post_monitors (
	  platform TEXT NOT NULL,
	  platform_id TEXT NOT NULL,
	  monitor_id TEXT NOT NULL,
	  PRIMARY KEY (platform, platform_id, monitor_id)
	);
	CREATE INDEX IF NOT EXISTS idx_post_monitors_monitor ON post_monitors(monitor_id);
	CREATE TABLE IF NOT EXISTS cursors (
	  key TEXT PRIMARY KEY,
	  value TEXT NOT NULL
	);
	`)
	return err
}

// --- entity pool: search terms ---

// TermsByTag returns every term tagged with tag, ordered by text.
func (d *DB) TermsByTag(ctx context.Context, tag string) ([]model.SearchTerm, error) {
	rows, err := d.sql.QueryContext(ctx, `
	SELECT t.id, t.term FROM search_terms t
	JOIN entity_tags e ON e.kind=? AND e.entity_id=t.id
	WHERE e.tag=? ORDER BY t.term`, kindTerm, tag)
	if err != nil {
		return nil, err
	}
	var out []model.SearchTerm
	for rows.Next() {
		var t model.SearchTerm
		if err := rows.Scan(&t.ID, &t.Term); err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, t)
	}
	if err := closeRows(rows); err != nil {
		return nil, err
	}
	for i := range out {
		if out[i].Tags, err = tagsOf(ctx, d.sql, kindTerm, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// TermByValue looks a term up by its exact text.
func (d *DB) TermByValue(ctx context.Context, term string) (model.SearchTerm, bool, error) {
	return termByValue(ctx, d.sql, term)
}

func termByValue(ctx context.Context, q querier, term string) (model.SearchTerm, bool, error) {
	var t model.SearchTerm
	err := q.QueryRowContext(ctx, `SELECT id, term FROM search_terms WHERE term=?`, term).Scan(&t.ID, &t.Term)
	if errors.Is(err, sql.ErrNoRows) {
		return t, false, nil
	}
	if err != nil {
		return t, false, err
	}
	t.Tags, err = tagsOf(ctx, q, kindTerm, t.ID)
	return t, err == nil, err
}

// InsertTerms inserts terms, merging tags into existing records with the same
// text. The UNIQUE(term) constraint makes insert-if-absent atomic.
func (d *DB) InsertTerms(ctx context.Context, terms []model.SearchTerm) ([]model.SearchTerm, error) {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()
	out := make([]model.SearchTerm, 0, len(terms))
	for _, t := range terms {
		id := t.ID
		if id == "" {
			id = uuid.NewString()
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO search_terms(id, term) VALUES(?,?) ON CONFLICT(term) DO NOTHING`, id, t.Term); err != nil {
			return nil, fmt.Errorf("insert term %q: %w", t.Term, err)
		}
		if err := tx.QueryRowContext(ctx, `SELECT id FROM search_terms WHERE term=?`, t.Term).Scan(&id); err != nil {
			return nil, err
		}
		for _, tag := range pool.NormalizeTags(t.Tags) {
			if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO entity_tags(kind, entity_id, tag) VALUES(?,?,?)`, kindTerm, id, tag); err != nil {
				return nil, err
			}
		}
		stored, _, err := termByValue(ctx, tx, t.Term)
		if err != nil {
			return nil, err
		}
		out = append(out, stored)
	}
	return out, tx.Commit()
}

// AddTermTag links term id to tag. Unknown ids are ignored.
func (d *DB) AddTermTag(ctx context.Context, id, tag string) error {
	_, err := d.sql.ExecContext(ctx, `
	INSERT OR IGNORE INTO entity_tags(kind, entity_id, tag)
	SELECT ?, id, ? FROM search_terms WHERE id=?`, kindTerm, tag, id)
	return err
}

// RemoveTermTag unlinks term id from tag.
func (d *DB) RemoveTermTag(ctx context.Context, id, tag string) error {
	return d.removeTag(ctx, kindTerm, id, tag)
}

// --- entity pool: accounts ---

// AccountsByTag returns every account tagged with tag.
func (d *DB) AccountsByTag(ctx context.Context, tag string) ([]model.Account, error) {
	rows, err := d.sql.QueryContext(ctx, `
	SELECT a.id, a.title, a.platform, a.platform_id, a.url, a.image_url FROM accounts a
	JOIN entity_tags e ON e.kind=? AND e.entity_id=a.id
	WHERE e.tag=? ORDER BY a.id`, kindAccount, tag)
	if err != nil {
		return nil, err
	}
	var out []model.Account
	for rows.Next() {
		var a model.Account
		if err := rows.Scan(&a.ID, &a.Title, &a.Platform, &a.PlatformID, &a.URL, &a.ImageURL); err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, a)
	}
	if err := closeRows(rows); err != nil {
		return nil, err
	}
	for i := range out {
		if out[i].Tags, err = tagsOf(ctx, d.sql, kindAccount, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// AccountByID looks an account up by its own id.
func (d *DB) AccountByID(ctx context.Context, id string) (model.Account, bool, error) {
	var a model.Account
	err := d.sql.QueryRowContext(ctx, `SELECT id, title, platform, platform_id, url, image_url FROM accounts WHERE id=?`, id).
		Scan(&a.ID, &a.Title, &a.Platform, &a.PlatformID, &a.URL, &a.ImageURL)
	if errors.Is(err, sql.ErrNoRows) {
		return a, false, nil
	}
	if err != nil {
		return a, false, err
	}
	a.Tags, err = tagsOf(ctx, d.sql, kindAccount, a.ID)
	return a, err == nil, err
}

// InsertAccounts stores accounts; an existing id keeps its record and gains the tags.
func (d *DB) InsertAccounts(ctx context.Context, accounts []model.Account) error {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, a := range accounts {
		if a.ID == "" {
			a.ID = uuid.NewString()
		}
		if _, err := tx.ExecContext(ctx, `
		INSERT INTO accounts(id, title, platform, platform_id, url, image_url) VALUES(?,?,?,?,?,?)
		ON CONFLICT(id) DO NOTHING`, a.ID, a.Title, string(a.Platform), a.PlatformID, a.URL, a.ImageURL); err != nil {
			return fmt.Errorf("insert account %s: %w", a.ID, err)
		}
		for _, tag := range pool.NormalizeTags(a.Tags) {
			if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO entity_tags(kind, entity_id, tag) VALUES(?,?,?)`, kindAccount, a.ID, tag); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

// AddAccountTag links account id to tag. Unknown ids are ignored.
func (d *DB) AddAccountTag(ctx context.Context, id, tag string) error {
	_, err := d.sql.ExecContext(ctx, `
	INSERT OR IGNORE INTO entity_tags(kind, entity_id, tag)
	SELECT ?, id, ? FROM accounts WHERE id=?`, kindAccount, tag, id)
	return err
}

// RemoveAccountTag unlinks account id from tag.
func (d *DB) RemoveAccountTag(ctx context.Context, id, tag string) error {
	return d.removeTag(ctx, kindAccount, id, tag)
}

func (d *DB) removeTag(ctx context.Context, kind, id, tag string) error {
	_, err := d.sql.ExecContext(ctx, `DELETE FROM entity_tags WHERE kind=? AND entity_id=? AND tag=?`, kind, id, tag)
	return err
}

func tagsOf(ctx context.Context, q querier, kind, id string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT tag FROM entity_tags WHERE kind=? AND entity_id=? ORDER BY tag`, kind, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func closeRows(rows *sql.Rows) error {
	err := rows.Err()
	if cerr := rows.Close(); err == nil {
		err = cerr
	}
	return err
}

// --- monitors and collect actions ---

// SaveMonitor creates or replaces a monitor.
func (d *DB) SaveMonitor(ctx context.Context, m model.Monitor) error {
	_, err := d.sql.ExecContext(ctx, `
	INSERT INTO monitors(id, title, descr, date_from, date_to, platforms, languages, collect_action_ids, created_at, updated_at)
	VALUES(?,?,?,?,?,?,?,?,?,?)
	ON CONFLICT(id) DO UPDATE SET title=excluded.title, descr=excluded.descr, date_from=excluded.date_from,
	  date_to=excluded.date_to, platforms=excluded.platforms, languages=excluded.languages,
	  collect_action_ids=excluded.collect_action_ids, updated_at=excluded.updated_at`,
		m.ID, m.Title, m.Descr, toUnix(m.DateFrom), toUnix(m.DateTo),
		mustJSON(m.Platforms), mustJSON(m.Languages), mustJSON(m.CollectActionIDs),
		toUnix(m.CreatedAt), toUnix(m.UpdatedAt))
	return err
}

const monitorColumns = `id, title, descr, date_from, date_to, platforms, languages, collect_action_ids, created_at, updated_at`

type scanner interface{ Scan(dest ...any) error }

func scanMonitor(s scanner) (model.Monitor, error) {
	var m model.Monitor
	var from, to, created, updated int64
	var platforms, languages, actionIDs string
	if err := s.Scan(&m.ID, &m.Title, &m.Descr, &from, &to, &platforms, &languages, &actionIDs, &created, &updated); err != nil {
		return m, err
	}
	m.DateFrom, m.DateTo = fromUnix(from), fromUnix(to)
	m.CreatedAt, m.UpdatedAt = fromUnix(created), fromUnix(updated)
	_ = json.Unmarshal([]byte(platforms), &m.Platforms)
	_ = json.Unmarshal([]byte(languages), &m.Languages)
	_ = json.Unmarshal([]byte(actionIDs), &m.CollectActionIDs)
	return m, nil
}

func (d *DB) GetMonitor(ctx context.Context, id string) (model.Monitor, bool, error) {
	m, err := scanMonitor(d.sql.QueryRowContext(ctx, `SELECT `+monitorColumns+` FROM monitors WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return m, false, nil
	}
	return m, err == nil, err
}

// ListMonitors returns monitors oldest first.
func (d *DB) ListMonitors(ctx context.Context) ([]model.Monitor, error) {
	rows, err := d.sql.QueryContext(ctx, `SELECT `+monitorColumns+` FROM monitors ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Monitor
	for rows.Next() {
		m, err := scanMonitor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// SaveCollectActions replaces the action set of a monitor.
func (d *DB) SaveCollectActions(ctx context.Context, monitorID string, actions []model.CollectAction) error {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM collect_actions WHERE monitor_id=?`, monitorID); err != nil {
		return err
	}
	for _, a := range actions {
		if _, err := tx.ExecContext(ctx, `
		INSERT INTO collect_actions(id, monitor_id, platform, search_term_tags, account_tags, tags) VALUES(?,?,?,?,?,?)`,
			a.ID, monitorID, string(a.Platform), mustJSON(a.SearchTermTags), mustJSON(a.AccountTags), mustJSON(a.Tags)); err != nil {
			return fmt.Errorf("insert collect action %s: %w", a.Platform, err)
		}
	}
	return tx.Commit()
}

func (d *DB) CollectActions(ctx context.Context, monitorID string) ([]model.CollectAction, error) {
	rows, err := d.sql.QueryContext(ctx, `
	SELECT id, monitor_id, platform, search_term_tags, account_tags, tags FROM collect_actions
	WHERE monitor_id=? ORDER BY rowid`, monitorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.CollectAction
	for rows.Next() {
		var a model.CollectAction
		var st, at, tags string
		if err := rows.Scan(&a.ID, &a.MonitorID, &a.Platform, &st, &at, &tags); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(st), &a.SearchTermTags)
		_ = json.Unmarshal([]byte(at), &a.AccountTags)
		_ = json.Unmarshal([]byte(tags), &a.Tags)
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- posts ---

// SavePosts upserts posts by (platform, platform id) and links their monitors.
// It returns how many posts were new.
func (d *DB) SavePosts(ctx context.Context, posts []model.Post) (int, error) {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()
	created := 0
	for _, p := range posts {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM posts WHERE platform=? AND platform_id=?`, string(p.Platform), p.PlatformID).Scan(&exists); err != nil {
			return 0, err
		}
		var dump *string
		if len(p.APIDump) > 0 {
			s := string(p.APIDump)
			dump = &s
		}
		if _, err := tx.ExecContext(ctx, `
		INSERT INTO posts(platform, platform_id, title, text, created_at, author_platform_id, url, image_url, scores, media_status, api_dump)
		VALUES(?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(platform, platform_id) DO UPDATE SET title=excluded.title, text=excluded.text,
		  author_platform_id=excluded.author_platform_id, url=excluded.url, image_url=excluded.image_url,
		  scores=excluded.scores, api_dump=excluded.api_dump`,
			string(p.Platform), p.PlatformID, p.Title, p.Text, toUnix(p.CreatedAt), p.AuthorPlatformID,
			p.URL, p.ImageURL, mustJSON(p.Scores), string(p.MediaStatus), dump); err != nil {
			return 0, fmt.Errorf("upsert post %s/%s: %w", p.Platform, p.PlatformID, err)
		}
		for _, m := range p.MonitorIDs {
			if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO post_monitors(platform, platform_id, monitor_id) VALUES(?,?,?)`,
				string(p.Platform), p.PlatformID, m); err != nil {
				return 0, err
			}
		}
		if exists == 0 {
			created++
		}
	}
	return created, tx.Commit()
}

// PostsByMonitor returns posts owned by monitorID created within [from, to).
func (d *DB) PostsByMonitor(ctx context.Context, monitorID string, from, to time.Time) ([]model.Post, error) {
	rows, err := d.sql.QueryContext(ctx, `
	SELECT p.platform, p.platform_id, p.title, p.text, p.created_at, p.author_platform_id, p.url, p.image_url,
	       p.scores, p.media_status, COALESCE(p.api_dump, '')
	FROM posts p JOIN post_monitors pm ON pm.platform=p.platform AND pm.platform_id=p.platform_id
	WHERE pm.monitor_id=? AND p.created_at>=? AND p.created_at<? ORDER BY p.created_at`,
		monitorID, from.Unix(), to.Unix())
	if err != nil {
		return nil, err
	}
	var out []model.Post
	for rows.Next() {
		var p model.Post
		var created int64
		var scores, dump string
		if err := rows.Scan(&p.Platform, &p.PlatformID, &p.Title, &p.Text, &created, &p.AuthorPlatformID,
			&p.URL, &p.ImageURL, &scores, &p.MediaStatus, &dump); err != nil {
			rows.Close()
			return nil, err
		}
		p.CreatedAt = fromUnix(created)
		_ = json.Unmarshal([]byte(scores), &p.Scores)
		if dump != "" {
			p.APIDump = json.RawMessage(dump)
		}
		out = append(out, p)
	}
	if err := closeRows(rows); err != nil {
		return nil, err
	}
	for i := range out {
		ids, err := d.postMonitors(ctx, out[i])
		if err != nil {
			return nil, err
		}
		out[i].MonitorIDs = ids
	}
	return out, nil
}

func (d *DB) postMonitors(ctx context.Context, p model.Post) ([]string, error) {
	rows, err := d.sql.QueryContext(ctx, `SELECT monitor_id FROM post_monitors WHERE platform=? AND platform_id=? ORDER BY monitor_id`,
		string(p.Platform), p.PlatformID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// --- checkpoints ---

// SaveCursor stores an opaque checkpoint value under key.
func (d *DB) SaveCursor(ctx context.Context, key, value string) error {
	_, err := d.sql.ExecContext(ctx, `INSERT INTO cursors(key, value) VALUES(?, ?) ON CONFLICT(key) DO UPDATE SET value=excluded.value`, key, value)
	return err
}

// LoadCursor returns the stored value, or "" when none exists.
func (d *DB) LoadCursor(ctx context.Context, key string) (string, error) {
	var v string
	err := d.sql.QueryRowContext(ctx, `SELECT value FROM cursors WHERE key=?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return v, err
}

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func fromUnix(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(v, 0).UTC()
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil || strings.TrimSpace(string(b)) == "null" {
		return "[]"
	}
	return string(b)
}
