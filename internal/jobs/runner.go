package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"lookout/internal/collect"
	"lookout/internal/logging"
	"lookout/internal/metrics"
	"lookout/internal/model"
)

// Monitors lists monitors and expands one into collect tasks.
type Monitors interface {
	List(ctx context.Context) ([]model.Monitor, error)
	Tasks(ctx context.Context, monitorID string, sample bool) ([]model.CollectTask, error)
}

type Collector interface {
	Run(ctx context.Context, task model.CollectTask) (collect.Result, error)
}

type PostSink interface {
	SavePosts(ctx context.Context, posts []model.Post) (int, error)
}

// Checkpoints keeps the collected window of each task.
type Checkpoints interface {
	SaveCursor(ctx context.Context, key, value string) error
	LoadCursor(ctx context.Context, key string) (string, error)
}

// TaskReport summarizes one collect task of a cycle.
type TaskReport struct {
	MonitorID string
	Platform  model.Platform
	Query     string
	State     collect.State
	Requests  int
	Fetched   int
	Posts     int
	Saved     int // posts new to the sink
	Err       error
}

// Runner executes monitor collection cycles.
type Runner struct {
	monitors    Monitors
	collector   Collector
	sink        PostSink
	checkpoints Checkpoints
	concurrency int
	now         func() time.Time
}

func NewRunner(monitors Monitors, collector Collector, sink PostSink, checkpoints Checkpoints, concurrency int) *Runner {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Runner{
		monitors:    monitors,
		collector:   collector,
		sink:        sink,
		checkpoints: checkpoints,
		concurrency: concurrency,
		now:         time.Now,
	}
}

// checkpoint is the window [From, Until) a task has collected without error.
type checkpoint struct {
	From  time.Time `json:"from"`
	Until time.Time `json:"until"`
}

// checkpointKey identifies a task by monitor, platform, query and account set,
// so a term or account added later starts from the monitor's own window.
func checkpointKey(t model.CollectTask) string {
	ids := make([]string, 0, len(t.Accounts))
	for _, a := range t.Accounts {
		ids = append(ids, a.ID)
	}
	sort.Strings(ids)
	return "checkpoint:" + t.MonitorID + "/" + string(t.Platform) + "/" + t.Query + "@" + strings.Join(ids, ",")
}

// RunMonitor runs every task of a monitor. Platforms run in parallel and
// never fail each other; tasks of one platform run in order. Reports come
// back in task order. The error is non-nil only when the tasks could not be
// built or ctx ended.
func (r *Runner) RunMonitor(ctx context.Context, monitorID string, sample bool) ([]TaskReport, error) {
	tasks, err := r.monitors.Tasks(ctx, monitorID, sample)
	if err != nil {
		return nil, err
	}
	var order []model.Platform
	byPlatform := map[model.Platform][]model.CollectTask{}
	for _, t := range tasks {
		if _, ok := byPlatform[t.Platform]; !ok {
			order = append(order, t.Platform)
		}
		byPlatform[t.Platform] = append(byPlatform[t.Platform], t)
	}

	started := r.now().UTC()
	reports := make([][]TaskReport, len(order))
	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for i, p := range order {
		i, p := i, p
		g.Go(func() error {
			reports[i] = r.runPlatform(ctx, monitorID, p, byPlatform[p], sample, started)
			return nil
		})
	}
	_ = g.Wait()

	var out []TaskReport
	for _, rs := range reports {
		out = append(out, rs...)
	}
	logging.Info("monitor_cycle", map[string]any{"monitor_id": monitorID, "sample": sample, "platforms": len(order), "tasks": len(out)})
	return out, ctx.Err()
}

func (r *Runner) runPlatform(ctx context.Context, monitorID string, p model.Platform, tasks []model.CollectTask, sample bool, started time.Time) []TaskReport {
	reports := make([]TaskReport, 0, len(tasks))
	for _, task := range tasks {
		if ctx.Err() != nil {
			break
		}
		key := checkpointKey(task)
		covered := task.Range.From
		if !sample {
			// A checkpoint only counts when it covers the current window start;
			// an earlier date_from collects the whole window again.
			if cp, ok := r.loadCheckpoint(ctx, key); ok && !cp.From.After(task.Range.From) && cp.Until.After(task.Range.From) {
				covered = cp.From
				task.Range.From = cp.Until
			}
		}
		rep := TaskReport{MonitorID: monitorID, Platform: p, Query: task.Query}
		if !task.Range.To.IsZero() && !task.Range.From.Before(task.Range.To) {
			// window already fully collected
			rep.State = collect.StateExhausted
			reports = append(reports, rep)
			continue
		}
		res, err := r.collector.Run(ctx, task)
		if err != nil {
			rep.Err = err
			metrics.CollectErrors.WithLabelValues(string(p)).Inc()
		} else {
			rep.State, rep.Requests, rep.Fetched, rep.Posts = res.State, res.Requests, res.Fetched, len(res.Posts)
			rep.Err = res.Err
			if len(res.Posts) > 0 {
				saved, serr := r.sink.SavePosts(ctx, res.Posts)
				rep.Saved = saved
				if serr != nil {
					rep.Err = errors.Join(rep.Err, serr)
					metrics.CollectErrors.WithLabelValues(string(p)).Inc()
				}
			}
		}
		if rep.Err != nil {
			logging.Error("task_failed", map[string]any{"platform": string(p), "monitor_id": monitorID, "query": task.Query, "error": rep.Err.Error()})
		}
		if !sample && rep.Err == nil && rep.State != collect.StateCancelled {
			r.saveCheckpoint(ctx, key, checkpoint{From: covered, Until: started})
		}
		reports = append(reports, rep)
	}
	return reports
}

func (r *Runner) loadCheckpoint(ctx context.Context, key string) (checkpoint, bool) {
	var cp checkpoint
	v, err := r.checkpoints.LoadCursor(ctx, key)
	if err != nil || v == "" {
		return cp, false
	}
	if err := json.Unmarshal([]byte(v), &cp); err != nil {
		logging.Warn("checkpoint_invalid", map[string]any{"key": key, "error": err.Error()})
		return cp, false
	}
	return cp, true
}

func (r *Runner) saveCheckpoint(ctx context.Context, key string, cp checkpoint) {
	b, _ := json.Marshal(cp)
	if err := r.checkpoints.SaveCursor(ctx, key, string(b)); err != nil {
		logging.Warn("checkpoint_save_failed", map[string]any{"key": key, "error": err.Error()})
	}
}

// RunAll runs one cycle for every monitor, one monitor at a time. A failing
// monitor is logged and does not stop the others.
func (r *Runner) RunAll(ctx context.Context, sample bool) (map[string][]TaskReport, error) {
	monitors, err := r.monitors.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]TaskReport, len(monitors))
	for _, m := range monitors {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		reports, err := r.RunMonitor(ctx, m.ID, sample)
		out[m.ID] = reports
		if err != nil {
			logging.Error("monitor_cycle_failed", map[string]any{"monitor_id": m.ID, "error": err.Error()})
		}
	}
	return out, ctx.Err()
}
