package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"lookout/internal/analytics"
	"lookout/internal/cmdlog"
	"lookout/internal/collect"
	"lookout/internal/config"
	"lookout/internal/metrics"
	"lookout/internal/model"
	"lookout/internal/scheduler"
	"lookout/internal/theme"
)

var cfgPath string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "lookout",
		Short:         "Collect social media posts for recurring search monitors",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			theme.PrintBanner(cmd.OutOrStdout())
			return cmd.Help()
		},
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "./lookout.yaml", "config path")

	root.AddCommand(newInitCmd())
	root.AddCommand(newMonitorCmd())
	root.AddCommand(newCollectCmd())
	root.AddCommand(newHitsCmd())
	root.AddCommand(newAccountsCmd())
	root.AddCommand(newStatsCmd())
	root.AddCommand(newServeCmd())
	return root
}

// withApp opens the app for the duration of fn.
func withApp(fn func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return cmdlog.Wrap(func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cfgPath)
		if err != nil {
			return err
		}
		defer a.Close()
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return fn(ctx, a, cmd, args)
	})
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: cmdlog.Wrap(func(cmd *cobra.Command, args []string) error {
			if err := config.Save(cfgPath, config.Default()); err != nil {
				return err
			}
			abs, _ := filepath.Abs(cfgPath)
			theme.PrintBanner(cmd.OutOrStdout())
			fmt.Fprintln(cmd.OutOrStdout(), "Config written to:", abs)
			return nil
		}),
	}
}

func readRequest(path string) (model.MonitorRequest, error) {
	var req model.MonitorRequest
	b, err := os.ReadFile(path)
	if err != nil {
		return req, err
	}
	if err := yaml.Unmarshal(b, &req); err != nil {
		return req, fmt.Errorf("parse %s: %w", path, err)
	}
	return req, nil
}

func printMonitor(cmd *cobra.Command, m model.Monitor) {
	to := "open"
	if !m.DateTo.IsZero() {
		to = m.DateTo.Format(time.RFC3339)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s  %q  from=%s to=%s platforms=%v actions=%d\n",
		m.ID, m.Title, m.DateFrom.Format(time.RFC3339), to, m.Platforms, len(m.CollectActionIDs))
}

func newMonitorCmd() *cobra.Command {
	mon := &cobra.Command{Use: "monitor", Short: "Create, edit and list monitors"}

	var file string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a monitor from a YAML request file",
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			req, err := readRequest(file)
			if err != nil {
				return err
			}
			m, err := a.monitors.Create(ctx, req)
			if err != nil {
				if m.ID != "" {
					fmt.Fprintf(cmd.ErrOrStderr(), "monitor %s was stored; run monitor edit with this id to finish it\n", m.ID)
				}
				return err
			}
			printMonitor(cmd, m)
			return nil
		}),
	}
	create.Flags().StringVarP(&file, "file", "f", "", "monitor request YAML")
	_ = create.MarkFlagRequired("file")

	var editFile string
	edit := &cobra.Command{
		Use:   "edit",
		Short: "Edit a monitor; terms and accounts are replaced by the file's lists",
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			req, err := readRequest(editFile)
			if err != nil {
				return err
			}
			if req.ID == "" {
				return fmt.Errorf("%s: id is required for edit", editFile)
			}
			m, err := a.monitors.Edit(ctx, req)
			if err != nil {
				return err
			}
			printMonitor(cmd, m)
			return nil
		}),
	}
	edit.Flags().StringVarP(&editFile, "file", "f", "", "monitor request YAML")
	_ = edit.MarkFlagRequired("file")

	list := &cobra.Command{
		Use:   "list",
		Short: "List monitors",
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			ms, err := a.monitors.List(ctx)
			if err != nil {
				return err
			}
			for _, m := range ms {
				printMonitor(cmd, m)
			}
			return nil
		}),
	}

	mon.AddCommand(create, edit, list)
	return mon
}

func newCollectCmd() *cobra.Command {
	var monitorID string
	var sample bool
	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Run one collection cycle for a monitor",
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			reports, err := a.runner.RunMonitor(ctx, monitorID, sample)
			for _, r := range reports {
				line := fmt.Sprintf("%-10s %-30q state=%-14s requests=%d fetched=%d posts=%d new=%d",
					r.Platform, r.Query, r.State, r.Requests, r.Fetched, r.Posts, r.Saved)
				if r.Err != nil {
					line += " error=" + r.Err.Error()
				}
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return err
		}),
	}
	cmd.Flags().StringVar(&monitorID, "monitor", "", "monitor id")
	cmd.Flags().BoolVar(&sample, "sample", false, "use the sample budget profile")
	_ = cmd.MarkFlagRequired("monitor")
	return cmd
}

func newHitsCmd() *cobra.Command {
	var monitorID string
	cmd := &cobra.Command{
		Use:   "hits",
		Short: "Show remote hit counts per task without collecting",
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			tasks, err := a.monitors.Tasks(ctx, monitorID, true)
			if err != nil {
				return err
			}
			for _, t := range tasks {
				n, err := a.collector.HitsCount(ctx, t)
				if err != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "%-10s %-30q error=%v\n", t.Platform, t.Query, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-10s %-30q hits=%d\n", t.Platform, t.Query, n)
			}
			return nil
		}),
	}
	cmd.Flags().StringVar(&monitorID, "monitor", "", "monitor id")
	_ = cmd.MarkFlagRequired("monitor")
	return cmd
}

func newAccountsCmd() *cobra.Command {
	accounts := &cobra.Command{Use: "accounts", Short: "Account lookup"}
	var limit int
	search := &cobra.Command{
		Use:   "search <query>",
		Short: "Search accounts on every configured platform",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			found, err := collect.SearchAccounts(ctx, a.registry, args[0], limit)
			if err != nil {
				return err
			}
			for _, acc := range found {
				fmt.Fprintf(cmd.OutOrStdout(), "%-10s %-24s %q %s\n", acc.Platform, acc.PlatformID, acc.Title, acc.URL)
			}
			return nil
		}),
	}
	search.Flags().IntVar(&limit, "limit", 10, "results per platform")
	accounts.AddCommand(search)
	return accounts
}

func newStatsCmd() *cobra.Command {
	var monitorID string
	var hours int
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show hourly post volume for a monitor",
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			to := time.Now().UTC()
			from := to.Add(-time.Duration(hours) * time.Hour)
			posts, err := a.db.PostsByMonitor(ctx, monitorID, from, to)
			if err != nil {
				return err
			}
			b := analytics.HourlyVolume(posts)
			for _, k := range analytics.SortedBucketKeys(b) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s -> %v\n", k.Format("2006-01-02 15:00"), b[k])
			}
			t := analytics.Sum(posts)
			fmt.Fprintf(cmd.OutOrStdout(), "posts=%d likes=%d shares=%d views=%d engagement=%d\n", t.Posts, t.Likes, t.Shares, t.Views, t.Engagement)
			return nil
		}),
	}
	cmd.Flags().StringVar(&monitorID, "monitor", "", "monitor id")
	cmd.Flags().IntVar(&hours, "hours", 24, "window size in hours")
	_ = cmd.MarkFlagRequired("monitor")
	return cmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run collection cycles on the configured schedule and expose metrics",
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			metrics.StartServer(a.cfg.Metrics.Addr)
			s := scheduler.New(a.cfg.Schedule.Spec, a.cfg.Schedule.Sample, a.runner, a.locker)
			if err := s.Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		}),
	}
}
