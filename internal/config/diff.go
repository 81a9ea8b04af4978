package config

import (
	"reflect"
	"sort"
	"strings"

	logx "levelup/pkg/logx"
)

// SummarizeChange returns the changed top-level sections and safe structured
// attrs for logging. Secrets (the bot token) are never included.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	// The session settings and the target group are reported apart: only the
	// former needs a restart.
	if strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		oldCfg.Telegram.Token != newCfg.Telegram.Token ||
		oldCfg.Telegram.Mode != newCfg.Telegram.Mode ||
		!reflect.DeepEqual(oldCfg.Telegram.User, newCfg.Telegram.User) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.mode", strings.TrimSpace(newCfg.Telegram.Mode)),
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
			logx.Bool("telegram.token_changed", oldCfg.Telegram.Token != newCfg.Telegram.Token),
		)
	}
	if oldCfg.Telegram.GroupID != newCfg.Telegram.GroupID {
		changed = append(changed, "group")
		attrs = append(attrs, logx.Int64("telegram.group_id", newCfg.Telegram.GroupID))
	}

	if !reflect.DeepEqual(oldCfg.Words, newCfg.Words) {
		changed = append(changed, "words")
		attrs = append(attrs,
			logx.Bool("words.enabled", newCfg.Words.Enabled),
			logx.String("words.mode", newCfg.Words.Mode),
			logx.Bool("words.auto_delete", newCfg.Words.AutoDelete.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Bonus, newCfg.Bonus) {
		changed = append(changed, "bonus")
		attrs = append(attrs, logx.Bool("bonus.enabled", newCfg.Bonus.Enabled))
	}

	if oldCfg.Router != newCfg.Router {
		changed = append(changed, "router")
		attrs = append(attrs, logx.Bool("router.sender_filter", strings.TrimSpace(newCfg.Router.SenderUsername) != ""))
	}

	if !reflect.DeepEqual(oldCfg.Challenges, newCfg.Challenges) {
		changed = append(changed, "challenges")
		attrs = append(attrs, logx.Bool("challenges.enabled", newCfg.Challenges.Enabled))
	}
	if oldCfg.Boxes != newCfg.Boxes {
		changed = append(changed, "boxes")
		attrs = append(attrs, logx.Bool("boxes.enabled", newCfg.Boxes.Enabled))
	}

	if !reflect.DeepEqual(oldCfg.Recognition, newCfg.Recognition) {
		changed = append(changed, "recognition")
		attrs = append(attrs,
			logx.String("recognition.engine", newCfg.Recognition.Engine),
			logx.Int("recognition.workers", newCfg.Recognition.Workers),
		)
	}

	if oldCfg.Dispatch != newCfg.Dispatch {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Int("dispatch.queue_size", newCfg.Dispatch.QueueSize),
			logx.Float64("dispatch.rate_per_sec", newCfg.Dispatch.RatePerSec),
		)
	}

	if oldCfg.Shutdown != newCfg.Shutdown {
		changed = append(changed, "shutdown")
		attrs = append(attrs, logx.String("shutdown.grace", newCfg.Shutdown.Grace))
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Nil means disabled.
	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
		)
	}

	var oT, nT StatusConfig
	if oldCfg.Status != nil {
		oT = *oldCfg.Status
	}
	if newCfg.Status != nil {
		nT = *newCfg.Status
	}
	if oT != nT {
		changed = append(changed, "status")
		attrs = append(attrs,
			logx.Bool("status.enabled", nT.Enabled),
			logx.String("status.addr", strings.TrimSpace(nT.Addr)),
			logx.Bool("status.token_set", strings.TrimSpace(nT.Token) != ""),
			logx.Bool("status.pprof", nT.Pprof),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired lists changed sections that a pipeline rebuild cannot
// apply: the transport session, the engine and the store outlive reloads.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		switch s {
		case "telegram", "recognition", "storage":
			out = append(out, s)
		}
	}
	return out
}
