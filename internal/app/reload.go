package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"levelup/internal/config"
	logx "levelup/pkg/logx"
)

// reloadLoop applies published configs until ctx ends. Only a failed rebuild
// that cannot fall back to the previous config is returned as an error.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) error {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return nil
		case newCfg, ok := <-sub:
			if !ok {
				return nil
			}
			// Coalesce bursts: keep only the latest config in the channel.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					goto APPLY
				}
			}
		APPLY:
			if ctx.Err() != nil {
				return nil
			}
			if err := a.apply(ctx, lastApplied, newCfg); err != nil {
				return err
			}
			lastApplied = newCfg
		}
	}
}

// rebuildSections change what a running pipeline captured at construction.
var rebuildSections = map[string]bool{
	"group":      true,
	"words":      true,
	"bonus":      true,
	"router":     true,
	"challenges": true,
	"boxes":      true,
	"dispatch":   true,
	"shutdown":   true,
}

func (a *App) apply(ctx context.Context, oldCfg, newCfg *config.Config) error {
	sections, attrs := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return nil
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	next, err := config.Resolve(newCfg)
	if err != nil {
		a.log.Warn("config rejected; keeping previous", logx.Err(err))
		return nil
	}

	a.mu.Lock()
	prev := a.settings
	a.mu.Unlock()

	// The session, the engine and the store outlive pipelines.
	if rs := config.RestartRequired(sections); len(rs) > 0 {
		a.log.Warn("config change needs a restart to take effect", logx.String("sections", strings.Join(rs, ",")))
	}
	next.Token, next.PollTimeout = prev.Token, prev.PollTimeout
	next.Recognition = prev.Recognition
	next.Storage = prev.Storage

	a.logs.Apply(next.Logging)
	a.status.Reconfigure(ctx, next.Status)

	rebuild := false
	for _, s := range sections {
		if rebuildSections[s] {
			rebuild = true
			break
		}
	}
	if !rebuild {
		a.mu.Lock()
		a.settings = next
		a.mu.Unlock()
		a.log.Info("config reloaded", fields...)
		return nil
	}

	words, used, err := loadWords(next)
	if err != nil {
		a.log.Warn("config rejected; keeping previous", logx.Err(err))
		return nil
	}

	a.notify(daemon.SdNotifyReloading)
	defer a.notify(daemon.SdNotifyReady)

	a.mu.Lock()
	old := a.pipe
	stopping := a.stopping
	a.mu.Unlock()
	if stopping {
		return nil
	}

	if old != nil {
		old.RequestShutdown()
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), prev.Grace+time.Second)
		st := old.AwaitTermination(wctx)
		cancel()
		a.log.Info("pipeline drained for reload",
			logx.Bool("drained", st.Drained),
			logx.Int("dropped", st.Dropped),
			logx.Duration("took", st.Took),
		)
		a.mu.Lock()
		a.last = st
		a.mu.Unlock()
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopping {
		return nil
	}
	p, err := a.startPipeline(next, words)
	if err != nil {
		a.log.Error("pipeline rebuild failed; restoring previous config", logx.Err(err))
		prevWords, prevUsed, werr := loadWords(prev)
		if werr != nil {
			return fmt.Errorf("pipeline rebuild: %w", werr)
		}
		if p, err = a.startPipeline(prev, prevWords); err != nil {
			return fmt.Errorf("pipeline rebuild: %w", err)
		}
		next, words, used = prev, prevWords, prevUsed
	}
	a.pipe = p
	a.settings = next
	a.logSummary(next, len(words), used)
	a.log.Info("config reloaded", fields...)
	return nil
}
