package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"shopcap/internal/capture"
	chromedptransport "shopcap/internal/capture/chromedp"
	"shopcap/internal/config"
	"shopcap/internal/control/circuit"
	"shopcap/internal/control/ratelimit"
	"shopcap/internal/control/recycler"
	"shopcap/internal/dispatch"
	"shopcap/internal/progress"
	"shopcap/internal/progress/sinks"
	"shopcap/internal/queue"
)

func newRunCmd() *cobra.Command {
	var (
		maxTasks    int
		profileName string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Dequeue tasks and run them under the safety controls",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadEnv()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck
			return runCapture(cmd.Context(), cfg, logger, maxTasks, profileName)
		},
	}
	cmd.Flags().IntVar(&maxTasks, "max-tasks", 10, "maximum tasks to dequeue for this run")
	cmd.Flags().StringVar(&profileName, "profile", "", "restrict the run to one profile")
	return cmd
}

func runCapture(parent context.Context, cfg config.Config, logger *zap.Logger, maxTasks int, profileName string) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	profiles := cfg.Profiles
	if profileName != "" {
		profile, err := cfg.Profile(profileName)
		if err != nil {
			return err
		}
		profiles = []capture.Profile{profile}
	}
	if len(profiles) == 0 {
		return fmt.Errorf("no profiles configured")
	}

	filters, err := capture.NewFilters(cfg.Filters)
	if err != nil {
		return err
	}

	q, closeQueue, err := queue.Open(ctx, cfg.Queue, cfg.StateDir, logger)
	if err != nil {
		return err
	}
	defer closeQueue()

	promSink, err := sinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	hub := progress.NewHub(progress.Config{Logger: logger}, promSink, sinks.NewLogSink(logger))
	defer hub.Close(context.Background()) //nolint:errcheck

	store, err := circuit.NewFileStore(filepath.Join(cfg.StateDir, "circuit"))
	if err != nil {
		return err
	}
	breaker, err := circuit.New(
		circuit.Config{SoftMode: cfg.Circuit.SoftMode},
		store,
		logger,
		circuit.WithTransitionHook(func(st circuit.State) {
			if st.Status == circuit.StatusHealthy {
				return
			}
			hub.Emit(progress.Event{
				TS:      st.TrippedAt,
				Stage:   progress.StageCircuitTrip,
				Profile: st.Profile,
				Reason:  string(st.Reason),
			})
		}),
	)
	if err != nil {
		return err
	}

	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.Limiter.DefaultRPS,
		DefaultBurst: cfg.Limiter.DefaultBurst,
	})
	rec := recycler.New(recycler.Config{
		CooldownMin: cfg.Recycler.CooldownMin,
		CooldownMax: cfg.Recycler.CooldownMax,
	}, logger)
	for _, profile := range profiles {
		limiter.Register(ratelimit.ProfileKey(profile.Name), profile.RPSLimit, profile.Burst)
		if profile.ProxyURL != "" {
			limiter.Register(ratelimit.ProxyKey(profile.ProxyURL), profile.RPSLimit, profile.Burst)
		}
		rec.SetBudget(profile.Name, profile.PagesPerSession)
	}

	transport, err := chromedptransport.New(chromedptransport.Config{
		ExecPath:      cfg.Browser.ExecPath,
		Headless:      cfg.Browser.Headless,
		CaptureWindow: cfg.Browser.CaptureWindow,
		NavTimeout:    cfg.Browser.NavTimeout,
	}, filters, profiles, logger)
	if err != nil {
		return err
	}
	defer transport.Close()

	dispatcher := dispatch.New(limiter, breaker, rec, transport, q, hub, dispatch.Config{
		AcquireTimeout:  cfg.Limiter.AcquireTimeout,
		StaggerInterval: cfg.Dispatch.StaggerInterval,
		PerTaskTimeout:  cfg.Dispatch.PerTaskTimeout,
		MaxRetries:      cfg.Dispatch.MaxRetries,
		BackoffBase:     cfg.Dispatch.BackoffBase,
		BackoffMax:      cfg.Dispatch.BackoffMax,
	}, logger)

	tasks, err := q.DequeueBatch(ctx, maxTasks)
	if err != nil {
		return fmt.Errorf("dequeue batch: %w", err)
	}
	if len(tasks) == 0 {
		logger.Info("no queued tasks")
		return nil
	}
	logger.Info("starting capture run",
		zap.Int("tasks", len(tasks)),
		zap.Int("profiles", len(profiles)),
	)

	// Tasks carry no profile affinity; spread the batch round-robin.
	batches := make([][]capture.Task, len(profiles))
	for i, task := range tasks {
		idx := i % len(profiles)
		batches[idx] = append(batches[idx], task)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	summary := map[capture.TaskStatus]int{}
	for i, profile := range profiles {
		if len(batches[i]) == 0 {
			continue
		}
		wg.Add(1)
		go func(profile capture.Profile, batch []capture.Task) {
			defer wg.Done()
			results, err := dispatcher.Run(ctx, profile, batch)
			if err != nil {
				logger.Error("dispatch failed",
					zap.String("profile", profile.Name), zap.Error(err))
				return
			}
			mu.Lock()
			for _, res := range results {
				summary[res.Status]++
			}
			mu.Unlock()
		}(profile, batches[i])
	}
	wg.Wait()

	logger.Info("capture run finished",
		zap.Int("done", summary[capture.TaskDone]),
		zap.Int("failed", summary[capture.TaskFailed]),
	)
	return nil
}
