package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"levelup/internal/observability/status"
	logx "levelup/pkg/logx"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

const (
	ModeFast = "fast"
	ModeSlow = "slow"

	SessionBot  = "bot"
	SessionUser = "user"

	DefaultSessionFile = "data/session.json"

	DefaultPollTimeout = 10 * time.Second
	DefaultDeleteAfter = time.Second
	DefaultDedupTTL    = 24 * time.Hour
	DefaultGrace       = 5 * time.Second
	DefaultBonusBody   = "bonus"
)

var (
	fastMin  = 3270 * time.Millisecond
	fastMax  = 4 * time.Second
	slowMin  = 24 * time.Second
	slowMax  = 36 * time.Second
	bonusMin = 181 * time.Second
	bonusMax = 300 * time.Second
)

// Settings is Config with defaults applied and every duration parsed.
type Settings struct {
	Session     string // SessionBot or SessionUser
	Token       string
	GroupID     int64
	PollTimeout time.Duration
	User        UserSettings

	Words       WordsSettings
	Bonus       BonusSettings
	Router      RouterConfig
	Challenges  ChallengeSettings
	Boxes       bool
	Recognition RecognitionSettings
	Dispatch    DispatchSettings
	Grace       time.Duration

	Logging logx.Config
	Storage StorageSettings
	Status  status.Config
}

type UserSettings struct {
	AppID       int
	AppHash     string
	Phone       string
	SessionFile string
}

type WordsSettings struct {
	Enabled     bool
	Mode        string
	Min, Max    time.Duration
	Wordlist    string
	AutoDelete  bool
	DeleteAfter time.Duration
	RoundTrip   time.Duration
}

type BonusSettings struct {
	Enabled     bool
	Body        string
	Min, Max    time.Duration
	SendOnStart bool
}

type ChallengeSettings struct {
	Enabled   bool
	Precision int
	DedupTTL  time.Duration
}

type RecognitionSettings struct {
	Engine      string
	Command     CommandConfig
	Tesseract   TesseractConfig
	Workers     int
	QueueSize   int
	JobTimeout  time.Duration
	LoadTimeout time.Duration
}

type DispatchSettings struct {
	QueueSize   int
	RatePerSec  float64
	Burst       int
	SendTimeout time.Duration
	MaxCooldown time.Duration
}

type StorageSettings struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration
}

// Validate reports every problem in cfg, each wrapped with ErrInvalid.
func Validate(cfg *Config) error {
	_, err := Resolve(cfg)
	return err
}

// Resolve validates cfg and returns the effective settings.
func Resolve(cfg *Config) (Settings, error) {
	if cfg == nil {
		return Settings{}, fmt.Errorf("%w: config is nil", ErrInvalid)
	}
	r := resolver{}
	s := Settings{
		Token:   strings.TrimSpace(cfg.Telegram.Token),
		GroupID: cfg.Telegram.GroupID,
		Router:  cfg.Router,
		Boxes:   cfg.Boxes.Enabled,
	}
	s.Session, s.User = r.session(cfg.Telegram)
	if s.Session == SessionBot && s.Token == "" {
		r.failf("telegram.token", "required (or set %s)", EnvToken)
	}
	if s.Session == SessionBot && s.Boxes {
		r.failf("boxes.enabled", "requires telegram.mode %q: bot accounts cannot press inline buttons", SessionUser)
	}
	if s.GroupID == 0 {
		r.failf("telegram.group_id", "required")
	}
	s.PollTimeout = r.duration("telegram.poll_timeout", cfg.Telegram.PollTimeout, DefaultPollTimeout)

	s.Words = r.words(cfg.Words)
	s.Bonus = r.bonus(cfg.Bonus)
	s.Challenges = r.challenges(cfg.Challenges)
	s.Recognition = r.recognition(cfg.Recognition)
	if s.Challenges.Enabled && s.Recognition.Engine == "none" {
		r.failf("challenges.enabled", "requires recognition.engine (command or tesseract)")
	}
	s.Dispatch = r.dispatch(cfg.Dispatch)
	s.Grace = r.duration("shutdown.grace", cfg.Shutdown.Grace, DefaultGrace)

	s.Logging = logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
	}
	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" && !logx.ValidLevel(lvl) {
		r.failf("logging.level", "unknown level %q", lvl)
	}
	s.Storage = r.storage(cfg.Storage)
	s.Status = r.status(cfg.Status)

	if err := errors.Join(r.errs...); err != nil {
		return Settings{}, err
	}
	return s, nil
}

type resolver struct{ errs []error }

func (r *resolver) session(c TelegramConfig) (string, UserSettings) {
	mode := strings.ToLower(strings.TrimSpace(c.Mode))
	switch mode {
	case "":
		mode = SessionBot
	case SessionBot, SessionUser:
	default:
		r.failf("telegram.mode", "unknown mode %q (bot or user)", c.Mode)
		return SessionBot, UserSettings{}
	}
	if mode != SessionUser {
		return mode, UserSettings{}
	}
	var u UserSettings
	if c.User != nil {
		u = UserSettings{
			AppID:       c.User.AppID,
			AppHash:     strings.TrimSpace(c.User.AppHash),
			Phone:       strings.TrimSpace(c.User.Phone),
			SessionFile: strings.TrimSpace(c.User.SessionFile),
		}
	}
	if u.AppID <= 0 {
		r.failf("telegram.user.app_id", "required in user mode")
	}
	if u.AppHash == "" {
		r.failf("telegram.user.app_hash", "required in user mode (or set %s)", EnvAppHash)
	}
	if u.SessionFile == "" {
		u.SessionFile = DefaultSessionFile
	}
	return mode, u
}

func (r *resolver) failf(path, format string, args ...any) {
	r.errs = append(r.errs, fmt.Errorf("%w: %s: %s", ErrInvalid, path, fmt.Sprintf(format, args...)))
}

func (r *resolver) duration(path, raw string, def time.Duration) time.Duration {
	d, err := ParseDurationOrDefault(path, raw, def)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%w: %w", ErrInvalid, err))
		return def
	}
	return d
}

func (r *resolver) nonNegative(path string, v int) int {
	if v < 0 {
		r.failf(path, "must be >= 0")
		return 0
	}
	return v
}

// band resolves an explicit [min, max] pair, or the defaults when both are
// omitted.
func (r *resolver) band(prefix, minRaw, maxRaw string, defMin, defMax time.Duration) (time.Duration, time.Duration) {
	minSet, maxSet := strings.TrimSpace(minRaw) != "", strings.TrimSpace(maxRaw) != ""
	if minSet != maxSet {
		r.failf(prefix, "min_interval and max_interval must be set together")
		return defMin, defMax
	}
	if !minSet {
		return defMin, defMax
	}
	lo := r.duration(prefix+".min_interval", minRaw, 0)
	hi := r.duration(prefix+".max_interval", maxRaw, 0)
	if lo <= 0 {
		r.failf(prefix+".min_interval", "must be > 0")
	}
	if lo > hi {
		r.failf(prefix, "min_interval %s > max_interval %s", lo, hi)
	}
	return lo, hi
}

func (r *resolver) words(c WordsConfig) WordsSettings {
	w := WordsSettings{
		Enabled:    c.Enabled,
		Mode:       strings.ToLower(strings.TrimSpace(c.Mode)),
		Wordlist:   strings.TrimSpace(c.Wordlist),
		AutoDelete: c.AutoDelete.Enabled,
	}
	defMin, defMax := fastMin, fastMax
	switch w.Mode {
	case "", ModeFast:
		w.Mode = ModeFast
	case ModeSlow:
		defMin, defMax = slowMin, slowMax
	default:
		r.failf("words.mode", "must be %q or %q, got %q", ModeFast, ModeSlow, c.Mode)
	}
	w.Min, w.Max = r.band("words", c.MinInterval, c.MaxInterval, defMin, defMax)
	w.DeleteAfter = r.duration("words.auto_delete.after", c.AutoDelete.After, DefaultDeleteAfter)
	w.RoundTrip = r.duration("words.auto_delete.round_trip", c.AutoDelete.RoundTrip, 0)
	if w.AutoDelete && w.RoundTrip >= w.Max && w.Max > 0 {
		r.failf("words.auto_delete.round_trip", "must be shorter than max_interval %s", w.Max)
	}
	return w
}

func (r *resolver) bonus(c BonusConfig) BonusSettings {
	b := BonusSettings{Enabled: c.Enabled, Body: strings.TrimSpace(c.Body), SendOnStart: true}
	if c.SendOnStart != nil {
		b.SendOnStart = *c.SendOnStart
	}
	if b.Body == "" {
		b.Body = DefaultBonusBody
	}
	b.Min, b.Max = r.band("bonus", c.MinInterval, c.MaxInterval, bonusMin, bonusMax)
	return b
}

func (r *resolver) challenges(c ChallengesConfig) ChallengeSettings {
	s := ChallengeSettings{Enabled: c.Enabled, Precision: -1}
	if c.Precision != nil {
		s.Precision = *c.Precision
		if s.Precision < -1 || s.Precision > 12 {
			r.failf("challenges.precision", "must be between -1 and 12")
		}
	}
	s.DedupTTL = r.duration("challenges.dedup_ttl", c.DedupTTL, DefaultDedupTTL)
	return s
}

func (r *resolver) recognition(c RecognitionConfig) RecognitionSettings {
	s := RecognitionSettings{
		Engine:    strings.ToLower(strings.TrimSpace(c.Engine)),
		Command:   c.Command,
		Tesseract: c.Tesseract,
		Workers:   r.nonNegative("recognition.workers", c.Workers),
		QueueSize: r.nonNegative("recognition.queue_size", c.QueueSize),
	}
	switch s.Engine {
	case "", "none":
		s.Engine = "none"
	case "command":
		if strings.TrimSpace(c.Command.Path) == "" {
			r.failf("recognition.command.path", "required for the command engine")
		}
	case "tesseract":
	default:
		r.failf("recognition.engine", "unknown engine %q", c.Engine)
	}
	r.nonNegative("recognition.command.max_output", c.Command.MaxOutput)
	s.JobTimeout = r.duration("recognition.job_timeout", c.JobTimeout, 30*time.Second)
	s.LoadTimeout = r.duration("recognition.load_timeout", c.LoadTimeout, 30*time.Second)
	return s
}

func (r *resolver) dispatch(c DispatchConfig) DispatchSettings {
	s := DispatchSettings{
		QueueSize:  r.nonNegative("dispatch.queue_size", c.QueueSize),
		RatePerSec: c.RatePerSec,
		Burst:      r.nonNegative("dispatch.burst", c.Burst),
	}
	if s.RatePerSec < 0 {
		r.failf("dispatch.rate_per_sec", "must be >= 0")
		s.RatePerSec = 0
	}
	s.SendTimeout = r.duration("dispatch.send_timeout", c.SendTimeout, 10*time.Second)
	s.MaxCooldown = r.duration("dispatch.max_cooldown", c.MaxCooldown, 0)
	return s
}

func (r *resolver) storage(c *StorageConfig) StorageSettings {
	if c == nil {
		return StorageSettings{Driver: "none"}
	}
	s := StorageSettings{Driver: strings.ToLower(strings.TrimSpace(c.Driver)), Path: strings.TrimSpace(c.Path)}
	switch s.Driver {
	case "", "none":
		s.Driver = "none"
		return s
	case "file", "sqlite", "sqlite3":
	default:
		r.failf("storage.driver", "unknown driver %q", c.Driver)
	}
	if s.Path == "" {
		r.failf("storage.path", "required when storage is enabled")
	}
	s.BusyTimeout = r.duration("storage.busy_timeout", c.BusyTimeout, 0)
	return s
}

func (r *resolver) status(c *StatusConfig) status.Config {
	if c == nil {
		return status.Config{}
	}
	s := status.Config{
		Enabled:       c.Enabled,
		Addr:          strings.TrimSpace(c.Addr),
		Token:         strings.TrimSpace(c.Token),
		AllowInsecure: c.AllowInsecure,
		Pprof:         c.Pprof,
		ReadTimeout:   10 * time.Second,
		WriteTimeout:  60 * time.Second,
		IdleTimeout:   60 * time.Second,
	}
	if s.Enabled && s.Addr == "" {
		s.Addr = status.DefaultAddr
	}
	if err := s.Validate(); err != nil {
		r.failf("status.addr", "%v", err)
	}
	return s
}
