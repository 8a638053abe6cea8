// Package watcher turns filesystem events on hooked folders into debounced,
// rate-limited sync tasks. Bursts collapse per file, queue backpressure
// pauses accrual, and a startup rescan reconciles anything missed while the
// process was down.
package watcher

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"corpusd/internal/config"
	"corpusd/internal/logging"
	"corpusd/internal/store"
	"corpusd/internal/types"
)

// Sink receives the watcher's sync tasks. The job queue implements it.
type Sink interface {
	SubmitSync(types.SyncTask) (string, error)
	Depth() int
}

type pendKey struct {
	projectID int64
	role      types.KBRole
	path      string
}

type pendingEvent struct {
	task     types.SyncTask
	lastSeen time.Time
}

// Watcher watches every enabled hook's folder.
type Watcher struct {
	cfg   config.WatcherConfig
	store *store.Store
	sink  Sink

	fsw *fsnotify.Watcher

	mu      sync.Mutex
	hooks   []types.Hook
	pending map[pendKey]pendingEvent

	allowance   int
	allowanceAt time.Time
	paused      bool

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New builds a watcher over the store's enabled hooks.
func New(cfg config.WatcherConfig, st *store.Store, sink Sink) *Watcher {
	if cfg.DebounceWindow <= 0 {
		cfg.DebounceWindow = 2 * time.Second
	}
	if cfg.MaxTasksPerSec <= 0 {
		cfg.MaxTasksPerSec = 200
	}
	if cfg.HighWater <= 0 {
		cfg.HighWater = 10_000
	}
	if cfg.LowWater <= 0 || cfg.LowWater > cfg.HighWater {
		cfg.LowWater = cfg.HighWater / 2
	}
	return &Watcher{
		cfg:     cfg,
		store:   st,
		sink:    sink,
		pending: make(map[pendKey]pendingEvent),
	}
}

// Start loads enabled hooks, reconciles their folders against the persisted
// hash maps, and begins watching.
func (w *Watcher) Start(ctx context.Context) error {
	hooks, err := w.store.ListEnabledHooks()
	if err != nil {
		return err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.fsw = fsw
	w.hooks = hooks

	ctx, w.cancel = context.WithCancel(ctx)
	for _, h := range hooks {
		if err := w.watchTree(h.FolderPath); err != nil {
			logging.Watcher("watch %s: %v", h.FolderPath, err)
			continue
		}
		w.reconcile(h)
	}

	w.wg.Add(2)
	go w.eventLoop(ctx)
	go w.flushLoop(ctx)
	logging.Watcher("watching %d hooks", len(hooks))
	return nil
}

// Stop shuts the watcher down and waits for its goroutines.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	if w.fsw != nil {
		w.fsw.Close()
	}
	w.wg.Wait()
}

// AddHook registers a newly enabled hook on a running watcher.
func (w *Watcher) AddHook(h types.Hook) error {
	w.mu.Lock()
	w.hooks = append(w.hooks, h)
	w.mu.Unlock()
	if err := w.watchTree(h.FolderPath); err != nil {
		return err
	}
	w.reconcile(h)
	return nil
}

func (w *Watcher) watchTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.fsw.Add(path)
		}
		return nil
	})
}

func (w *Watcher) eventLoop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logging.Watcher("fsnotify error: %v", err)
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	if ev.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.watchTree(ev.Name); err != nil {
				logging.Watcher("watch new dir %s: %v", ev.Name, err)
			}
			return
		}
	}

	kind := eventKind(ev.Op)
	if kind == "" {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.paused {
		// Backpressure: drop the event; the resume rescan picks it up.
		return
	}
	for _, h := range w.hooks {
		rel, ok := under(h.FolderPath, ev.Name)
		if !ok || !matchesPatterns(h.Patterns, rel) {
			continue
		}
		key := pendKey{projectID: h.ProjectID, role: h.Role, path: ev.Name}
		w.pending[key] = pendingEvent{
			task: types.SyncTask{
				Role:       h.Role,
				ProjectID:  h.ProjectID,
				Path:       ev.Name,
				EventKind:  kind,
				ObservedAt: time.Now().UTC(),
			},
			lastSeen: time.Now(),
		}
	}
}

func (w *Watcher) flushLoop(ctx context.Context) {
	defer w.wg.Done()
	interval := w.cfg.DebounceWindow / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.checkBackpressure()
			for _, task := range w.drainReady() {
				if _, err := w.sink.SubmitSync(task); err != nil {
					logging.Watcher("submit sync for %s: %v", task.Path, err)
				}
			}
		}
	}
}

// drainReady removes and returns debounced tasks whose window has elapsed,
// bounded by the per-second rate budget.
func (w *Watcher) drainReady() []types.SyncTask {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.paused {
		return nil
	}

	now := time.Now()
	if now.Sub(w.allowanceAt) >= time.Second {
		w.allowance = w.cfg.MaxTasksPerSec
		w.allowanceAt = now
	}

	var out []types.SyncTask
	for key, pe := range w.pending {
		if w.allowance <= 0 {
			break
		}
		if now.Sub(pe.lastSeen) < w.cfg.DebounceWindow {
			continue
		}
		out = append(out, pe.task)
		delete(w.pending, key)
		w.allowance--
	}
	return out
}

// checkBackpressure pauses event accrual while the queue is above the
// high-water mark and rescans every hook root once it drains below the
// low-water mark, so nothing dropped during the pause is lost.
func (w *Watcher) checkBackpressure() {
	depth := w.sink.Depth()

	w.mu.Lock()
	switch {
	case !w.paused && depth >= w.cfg.HighWater:
		w.paused = true
		hooks := append([]types.Hook(nil), w.hooks...)
		w.mu.Unlock()
		logging.Watcher("queue depth %d over high water %d, pausing", depth, w.cfg.HighWater)
		for _, h := range hooks {
			if err := w.store.SetHookPaused(h.ProjectID, h.Role, true); err != nil {
				logging.Watcher("mark hook paused: %v", err)
			}
		}
	case w.paused && depth < w.cfg.LowWater:
		w.paused = false
		hooks := append([]types.Hook(nil), w.hooks...)
		w.mu.Unlock()
		logging.Watcher("queue depth %d under low water %d, resuming", depth, w.cfg.LowWater)
		for _, h := range hooks {
			if err := w.store.SetHookPaused(h.ProjectID, h.Role, false); err != nil {
				logging.Watcher("clear hook pause: %v", err)
			}
			if fresh, err := w.store.GetHook(h.ProjectID, h.Role); err == nil {
				w.reconcile(*fresh)
			}
		}
	default:
		w.mu.Unlock()
	}
}

// reconcile compares a hook's folder against its persisted hash map and
// submits tasks for anything changed, added, or deleted while unwatched.
func (w *Watcher) reconcile(h types.Hook) {
	seen := make(map[string]bool)
	submitted := 0

	filepath.WalkDir(h.FolderPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		rel, ok := under(h.FolderPath, path)
		if !ok || !matchesPatterns(h.Patterns, rel) {
			return nil
		}
		seen[rel] = true

		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		if h.SyncedFiles[rel] == types.HashBytes(data) {
			return nil
		}
		kind := "modify"
		if _, known := h.SyncedFiles[rel]; !known {
			kind = "create"
		}
		w.sink.SubmitSync(types.SyncTask{
			Role: h.Role, ProjectID: h.ProjectID, Path: path,
			EventKind: kind, ObservedAt: time.Now().UTC(),
		})
		submitted++
		return nil
	})

	for rel := range h.SyncedFiles {
		if !seen[rel] {
			w.sink.SubmitSync(types.SyncTask{
				Role: h.Role, ProjectID: h.ProjectID,
				Path:      filepath.Join(h.FolderPath, rel),
				EventKind: "delete", ObservedAt: time.Now().UTC(),
			})
			submitted++
		}
	}
	if submitted > 0 {
		logging.Watcher("rescan of %s submitted %d tasks", h.FolderPath, submitted)
	}
}

func eventKind(op fsnotify.Op) string {
	switch {
	case op&fsnotify.Create != 0:
		return "create"
	case op&fsnotify.Write != 0:
		return "modify"
	case op&fsnotify.Remove != 0:
		return "delete"
	case op&fsnotify.Rename != 0:
		return "rename"
	}
	return ""
}

// under returns the slash-separated path of target relative to root, and
// whether target lives inside root.
func under(root, target string) (string, bool) {
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

// matchesPatterns applies the hook's allow-list. Patterns without a slash
// match the base name, so "*.md" covers nested files too.
func matchesPatterns(patterns []string, rel string) bool {
	for _, p := range patterns {
		target := rel
		if !strings.Contains(p, "/") {
			target = filepath.Base(rel)
		}
		if ok, err := doublestar.Match(p, target); err == nil && ok {
			return true
		}
	}
	return false
}
