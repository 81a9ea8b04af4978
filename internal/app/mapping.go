package app

import (
	"fmt"

	"levelup/internal/cadence"
	"levelup/internal/config"
	"levelup/internal/dispatch"
	"levelup/internal/pipeline"
	"levelup/internal/recognition"
	"levelup/internal/router"
	"levelup/internal/storage"
	"levelup/internal/transport/mtproto"
	"levelup/internal/wordlist"
)

// loadWords reads the wordlist when the word stream is enabled.
func loadWords(s config.Settings) ([]string, string, error) {
	if !s.Words.Enabled {
		return nil, "", nil
	}
	words, used, err := wordlist.Load(s.Words.Wordlist)
	if err != nil {
		return nil, "", fmt.Errorf("%w: words.wordlist: %w", config.ErrInvalid, err)
	}
	return words, used, nil
}

func pipelineConfig(s config.Settings, words []string) pipeline.Config {
	return pipeline.Config{
		ChatID:    s.GroupID,
		QueueSize: s.Dispatch.QueueSize,
		Dispatch: dispatch.WorkerConfig{
			RatePerSec:  s.Dispatch.RatePerSec,
			Burst:       s.Dispatch.Burst,
			SendTimeout: s.Dispatch.SendTimeout,
			MaxCooldown: s.Dispatch.MaxCooldown,
		},
		Words: cadence.WordsConfig{
			Enabled:     s.Words.Enabled,
			Band:        cadence.Band{Min: s.Words.Min, Max: s.Words.Max},
			Words:       words,
			AutoDelete:  s.Words.AutoDelete,
			DeleteAfter: s.Words.DeleteAfter,
			RoundTrip:   s.Words.RoundTrip,
		},
		Bonus: cadence.BonusConfig{
			Enabled:     s.Bonus.Enabled,
			Band:        cadence.Band{Min: s.Bonus.Min, Max: s.Bonus.Max},
			Body:        s.Bonus.Body,
			SendOnStart: s.Bonus.SendOnStart,
		},
		Router: router.Config{
			ChatID:            s.GroupID,
			SenderUsername:    s.Router.SenderUsername,
			ChallengeMarker:   s.Router.ChallengeMarker,
			BoxMarker:         s.Router.BoxMarker,
			ChallengesEnabled: s.Challenges.Enabled,
			BoxesEnabled:      s.Boxes,
		},
		Recognition: recognition.PoolConfig{
			Workers:    s.Recognition.Workers,
			QueueSize:  s.Recognition.QueueSize,
			JobTimeout: s.Recognition.JobTimeout,
		},
		Precision: s.Challenges.Precision,
		DedupTTL:  s.Challenges.DedupTTL,
		Grace:     s.Grace,
	}
}

// storageConfig reports whether storage is enabled.
func storageConfig(s config.Settings) (storage.Config, bool) {
	if s.Storage.Driver == "" || s.Storage.Driver == "none" {
		return storage.Config{}, false
	}
	return storage.Config{Driver: s.Storage.Driver, Path: s.Storage.Path, BusyTimeout: s.Storage.BusyTimeout}, true
}

// EngineConfig maps recognition settings; the solve command reuses it.
func EngineConfig(s config.Settings) recognition.EngineConfig {
	return recognition.EngineConfig{
		Kind: s.Recognition.Engine,
		Command: recognition.CommandConfig{
			Path:      s.Recognition.Command.Path,
			Args:      s.Recognition.Command.Args,
			Suffix:    s.Recognition.Command.Suffix,
			MaxOutput: s.Recognition.Command.MaxOutput,
		},
		Tesseract: recognition.TesseractConfig{
			Languages:   s.Recognition.Tesseract.Languages,
			Whitelist:   s.Recognition.Tesseract.Whitelist,
			PageSegMode: s.Recognition.Tesseract.PageSegMode,
		},
		LoadTimeout: s.Recognition.LoadTimeout,
	}
}

// MTProtoConfig maps settings onto the user session adapter; the login command reuses it.
func MTProtoConfig(s config.Settings) mtproto.Config {
	return mtproto.Config{
		AppID:       s.User.AppID,
		AppHash:     s.User.AppHash,
		Phone:       s.User.Phone,
		SessionFile: s.User.SessionFile,
		GroupID:     s.GroupID,
	}
}

// Check parses and validates the file the way New and Start would, without
// opening anything. It returns the settings and the wordlist size.
func Check(path string) (config.Settings, int, error) {
	cfg, err := config.NewManager(path).Parse()
	if err != nil {
		return config.Settings{}, 0, err
	}
	s, err := config.Resolve(cfg)
	if err != nil {
		return config.Settings{}, 0, err
	}
	words, _, err := loadWords(s)
	if err != nil {
		return config.Settings{}, 0, err
	}
	return s, len(words), nil
}
