// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package config

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/soothill/switchmeter/pkg/logger"
)

// Watcher reloads the configuration file on SIGHUP and hands each
// successfully validated result to apply. Only settings that are safe to
// change at runtime should be applied by the callback.
type Watcher struct {
	path       string
	apply      func(*Config)
	reloadChan chan os.Signal
	cancelFunc context.CancelFunc
	done       chan struct{}
}

// NewWatcher creates a new configuration watcher.
func NewWatcher(path string, apply func(*Config)) *Watcher {
	return &Watcher{
		path:       path,
		apply:      apply,
		reloadChan: make(chan os.Signal, 1),
		done:       make(chan struct{}),
	}
}

// Start begins watching for SIGHUP signals to trigger a configuration reload.
func (w *Watcher) Start(ctx context.Context) {
	ctx, w.cancelFunc = context.WithCancel(ctx)
	signal.Notify(w.reloadChan, syscall.SIGHUP)

	go w.watch(ctx)
}

// Stop stops the configuration watcher and waits for it to exit.
func (w *Watcher) Stop() {
	signal.Stop(w.reloadChan)
	if w.cancelFunc != nil {
		w.cancelFunc()
		<-w.done
		w.cancelFunc = nil
	}
}

// Reload loads the file once and applies it. A file that fails to load or
// validate leaves the running configuration untouched.
func (w *Watcher) Reload() error {
	cfg, err := Load(w.path)
	if err != nil {
		logger.Error().Err(err).Str("path", w.path).Msg("Failed to reload configuration")
		return err
	}
	if w.apply != nil {
		w.apply(cfg)
	}
	logger.Info().Str("path", w.path).Msg("Configuration reloaded successfully")
	return nil
}

func (w *Watcher) watch(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.reloadChan:
			logger.Info().Msg("SIGHUP received, reloading configuration")
			_ = w.Reload()
		}
	}
}
