package controller

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatchConfigDir subscribes to the config directory and debounces its events
// by configDebounce (section 3: "the config directory itself is watched with
// a 1000ms debounce"). On each quiet period it re-reads config.json and
// auth.json; a parse failure restores the last known-good copy in place
// (self-healing) instead of propagating a broken document; otherwise it runs
// apply_update with the previous documents as old and the freshly read ones
// as new. Blocks until ctx is canceled.
func (c *Controller) WatchConfigDir(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(c.store.Dir()); err != nil {
		return err
	}

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	var timerCh <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			base := filepath.Base(ev.Name)
			if base != "config.json" && base != "auth.json" {
				continue
			}

			if timer == nil {
				timer = time.NewTimer(configDebounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}

				timer.Reset(configDebounce)
			}

			timerCh = timer.C

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			c.logger.Warn("controller: config directory watch error", slog.String("error", err.Error()))

		case <-timerCh:
			timerCh = nil

			if err := c.reloadFromDisk(ctx); err != nil {
				c.logger.Error("controller: reloading config from disk failed", slog.String("error", err.Error()))
			}
		}
	}
}

// reloadFromDisk re-reads both documents, self-heals a parse failure by
// restoring the last known-good copy, and runs apply_update if anything
// actually changed.
func (c *Controller) reloadFromDisk(ctx context.Context) error {
	oldCfg, oldAuth := c.docs.Snapshot()

	newCfg, cfgErr := c.store.LoadConfig()
	newAuth, authErr := c.store.LoadAuth()

	if cfgErr != nil || authErr != nil {
		c.logger.Warn("controller: config directory self-healing: restoring last good copy",
			slog.Bool("config_parse_failed", cfgErr != nil),
			slog.Bool("auth_parse_failed", authErr != nil),
		)

		return c.store.RestoreLastGood(oldCfg, oldAuth)
	}

	if configsEqual(newCfg, oldCfg) && authsEqual(newAuth, oldAuth) {
		return nil
	}

	return c.ApplyUpdate(ctx, oldCfg, oldAuth, newCfg, newAuth, false)
}
