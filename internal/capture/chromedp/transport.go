// Package chromedp implements the capture transport on headless Chrome.
// The browser is told to navigate; matching endpoint responses are observed
// passively over CDP during a dwell window. Bodies are never interpreted
// here.
package chromedp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"shopcap/internal/capture"
)

// Config controls browser launch and per-task timing.
type Config struct {
	ExecPath      string
	Headless      bool
	CaptureWindow time.Duration
	NavTimeout    time.Duration
}

// Transport drives one Chrome instance per live session. Allocators are
// created lazily when a session first executes and torn down when the
// session is replaced or the transport closes.
type Transport struct {
	cfg      Config
	filters  *capture.Filters
	profiles map[string]capture.Profile
	logger   *zap.Logger

	mu       sync.Mutex
	browsers map[string]*browser
}

type browser struct {
	sessionID string
	allocCtx  context.Context
	cancel    context.CancelFunc
}

// New constructs a Transport for the given profiles.
func New(cfg Config, filters *capture.Filters, profiles []capture.Profile, logger *zap.Logger) (*Transport, error) {
	if filters == nil {
		return nil, fmt.Errorf("filters are required")
	}
	if cfg.CaptureWindow <= 0 {
		cfg.CaptureWindow = 3 * time.Second
	}
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = 45 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	byName := make(map[string]capture.Profile, len(profiles))
	for _, p := range profiles {
		byName[p.Name] = p
	}
	return &Transport{
		cfg:      cfg,
		filters:  filters,
		profiles: byName,
		logger:   logger,
		browsers: make(map[string]*browser),
	}, nil
}

// Close tears down every allocated browser.
func (t *Transport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for profile, b := range t.browsers {
		b.cancel()
		delete(t.browsers, profile)
	}
}

// Execute navigates per the task params and observes network responses for
// the capture window.
func (t *Transport) Execute(ctx context.Context, session capture.Session, task capture.Task) (capture.Result, error) {
	profile, ok := t.profiles[session.ProfileName]
	if !ok {
		return capture.Result{}, fmt.Errorf("unknown profile %q", session.ProfileName)
	}
	url, err := taskURL(task)
	if err != nil {
		return capture.Result{}, err
	}

	b := t.browserFor(profile, session)

	taskCtx, taskCancel := chromedp.NewContext(b.allocCtx)
	defer taskCancel()
	taskCtx, cancel := context.WithTimeout(taskCtx, t.cfg.NavTimeout+t.cfg.CaptureWindow)
	defer cancel()
	go func() {
		// Propagate caller cancellation into the chromedp context.
		select {
		case <-ctx.Done():
			cancel()
		case <-taskCtx.Done():
		}
	}()

	obs := newObserver(t.filters)
	chromedp.ListenTarget(taskCtx, obs.handle)

	start := time.Now()
	var finalURL string
	actions := []chromedp.Action{
		chromedp.ActionFunc(func(ctx context.Context) error {
			if err := network.Enable().Do(ctx); err != nil {
				return fmt.Errorf("enable network domain: %w", err)
			}
			if profile.Timezone != "" {
				if err := emulation.SetTimezoneOverride(profile.Timezone).Do(ctx); err != nil {
					return fmt.Errorf("set timezone override: %w", err)
				}
			}
			return nil
		}),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(t.cfg.CaptureWindow),
		chromedp.Location(&finalURL),
	}
	if err := chromedp.Run(taskCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return capture.Result{}, ctx.Err()
		}
		return capture.Result{}, fmt.Errorf("chromedp run: %w", err)
	}

	status, matched, block := obs.snapshot()
	// The landing URL itself can be the block signal (captcha redirect).
	if block == capture.BlockNone && finalURL != "" {
		block = t.filters.Classify(finalURL, status)
	}
	return capture.Result{
		StatusCode: status,
		Matched:    matched,
		Block:      block,
		Duration:   time.Since(start),
	}, nil
}

// browserFor returns the profile's allocator, replacing it when the
// session changed since the last call.
func (t *Transport) browserFor(profile capture.Profile, session capture.Session) *browser {
	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok := t.browsers[profile.Name]; ok {
		if b.sessionID == session.ID {
			return b
		}
		b.cancel()
		delete(t.browsers, profile.Name)
	}
	allocCtx, cancel := chromedp.NewExecAllocator(context.Background(), t.allocatorOptions(profile)...)
	b := &browser{sessionID: session.ID, allocCtx: allocCtx, cancel: cancel}
	t.browsers[profile.Name] = b
	t.logger.Debug("launched browser allocator",
		zap.String("profile", profile.Name),
		zap.String("session_id", session.ID),
	)
	return b
}

func (t *Transport) allocatorOptions(profile capture.Profile) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", t.cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("enable-automation", false),
		// Some captcha widgets still require third-party cookies.
		chromedp.Flag("test-third-party-cookie-phase-out", false),
	)
	if t.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(t.cfg.ExecPath))
	}
	if profile.ProxyURL != "" {
		opts = append(opts, chromedp.ProxyServer(profile.ProxyURL))
	}
	if profile.Locale != "" {
		opts = append(opts, chromedp.Flag("lang", profile.Locale))
	}
	if profile.UserDataDir != "" {
		opts = append(opts, chromedp.UserDataDir(profile.UserDataDir))
	}
	return opts
}

// taskURL extracts the navigation URL from the opaque task params.
func taskURL(task capture.Task) (string, error) {
	var params capture.TaskParams
	if len(task.Params) > 0 {
		if err := json.Unmarshal(task.Params, &params); err != nil {
			return "", fmt.Errorf("decode task %s params: %w", task.ID, err)
		}
	}
	if params.URL == "" {
		return "", fmt.Errorf("task %s has no url param", task.ID)
	}
	return params.URL, nil
}

// observer accumulates response observations for one task execution.
type observer struct {
	mu        sync.Mutex
	filters   *capture.Filters
	matched   int
	docStatus int
	block     capture.BlockReason
}

func newObserver(filters *capture.Filters) *observer {
	return &observer{filters: filters, block: capture.BlockNone}
}

func (o *observer) handle(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Response == nil {
		return
	}
	url := resp.Response.URL
	status := int(resp.Response.Status)

	o.mu.Lock()
	defer o.mu.Unlock()
	if resp.Type == network.ResourceTypeDocument {
		o.docStatus = status
	}
	if o.filters.MatchEndpoint(url) && status >= 200 && status < 300 {
		o.matched++
	}
	if reason := o.filters.Classify(url, status); reason != capture.BlockNone && o.block == capture.BlockNone {
		o.block = reason
	}
}

func (o *observer) snapshot() (status, matched int, block capture.BlockReason) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.docStatus, o.matched, o.block
}
