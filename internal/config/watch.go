package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce coalesces bursts of filesystem events (editors tend to fire
// several per save) into one reload.
const watchDebounce = 25 * time.Millisecond

// RulesWatcher re-resolves the rule table whenever the configured rules file
// or folder changes, and hands the fresh bundle to the subscriber.
type RulesWatcher struct {
	rulesCfg   RulesConfig
	inline     map[string]RuleConfig
	logger     *slog.Logger
	onReload   func(RuleBundle)
	targetFile string
}

// NewRulesWatcher wires a hot-reload watcher over the rule sources. The
// onReload callback receives each successfully resolved bundle; load failures
// keep the previous table in effect.
func NewRulesWatcher(cfg Config, logger *slog.Logger, onReload func(RuleBundle)) (*RulesWatcher, error) {
	if onReload == nil {
		return nil, fmt.Errorf("config: rules watcher requires a reload callback")
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &RulesWatcher{
		rulesCfg: cfg.Server.Rules,
		inline:   cloneRuleMap(cfg.InlineRules),
		logger:   logger.With(slog.String("agent", "rules_watcher")),
		onReload: onReload,
	}
	if cfg.Server.Rules.RulesFile != "" {
		w.targetFile = filepath.Clean(cfg.Server.Rules.RulesFile)
	}
	return w, nil
}

// Run blocks watching the rule sources until the context ends. When neither a
// rules file nor a rules folder is configured there is nothing to watch and
// Run returns immediately.
func (w *RulesWatcher) Run(ctx context.Context) error {
	watchPath := w.rulesCfg.RulesFolder
	if w.targetFile != "" {
		// Watch the containing directory so atomic rename-based saves are seen.
		watchPath = filepath.Dir(w.targetFile)
	}
	if watchPath == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create rules watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(watchPath); err != nil {
		return fmt.Errorf("config: watch %s: %w", watchPath, err)
	}
	w.logger.Info("watching rule sources", slog.String("path", watchPath))

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !w.relevant(event) {
				continue
			}
			if timer == nil {
				timer = time.AfterFunc(watchDebounce, func() {
					select {
					case reload <- struct{}{}:
					default:
					}
				})
			} else {
				timer.Reset(watchDebounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("rules watcher error", slog.Any("error", err))
		case <-reload:
			w.reload(ctx)
		}
	}
}

// relevant filters directory noise down to mutations of rule documents.
func (w *RulesWatcher) relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}
	if w.targetFile != "" {
		return filepath.Clean(event.Name) == w.targetFile
	}
	return isSupportedRulesFile(filepath.Base(event.Name))
}

func (w *RulesWatcher) reload(ctx context.Context) {
	bundle, err := buildRuleBundle(ctx, w.inline, w.rulesCfg)
	if err != nil {
		w.logger.Warn("rule reload failed, keeping previous table", slog.Any("error", err))
		return
	}
	w.logger.Info("rule table reloaded",
		slog.Int("rules", len(bundle.Rules)),
		slog.Int("skipped", len(bundle.Skipped)))
	w.onReload(bundle)
}
