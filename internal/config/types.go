package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Omitted values fall back to the defaults listed on each section.
type Config struct {
	Telegram    TelegramConfig    `json:"telegram"`
	Words       WordsConfig       `json:"words"`
	Bonus       BonusConfig       `json:"bonus"`
	Router      RouterConfig      `json:"router"`
	Challenges  ChallengesConfig  `json:"challenges"`
	Boxes       BoxesConfig       `json:"boxes"`
	Recognition RecognitionConfig `json:"recognition"`
	Dispatch    DispatchConfig    `json:"dispatch"`
	Shutdown    ShutdownConfig    `json:"shutdown"`
	Logging     LoggingConfig     `json:"logging"`
	Storage     *StorageConfig    `json:"storage,omitempty"`
	Status      *StatusConfig     `json:"status,omitempty"`
}

type TelegramConfig struct {
	// Mode is "bot" (default, Bot API) or "user" (MTProto user session).
	// Bot accounts neither see other bots' messages nor press their buttons.
	Mode string `json:"mode,omitempty"`
	// Token may be left empty and supplied via LEVELUP_TELEGRAM_TOKEN.
	// Only used in bot mode.
	Token   string `json:"token"`
	GroupID int64  `json:"group_id"`
	// PollTimeout defaults to "10s".
	PollTimeout string `json:"poll_timeout"`

	User *UserSessionConfig `json:"user,omitempty"`
}

// UserSessionConfig is the user mode login. Create the session once with
// `levelup login`; app_hash may come from LEVELUP_TELEGRAM_APP_HASH.
type UserSessionConfig struct {
	AppID   int    `json:"app_id"`
	AppHash string `json:"app_hash"`
	Phone   string `json:"phone,omitempty"`
	// SessionFile defaults to "data/session.json".
	SessionFile string `json:"session_file,omitempty"`
}

// WordsConfig controls the word stream.
//
// Defaults:
//   - mode: "fast" ([3.27s, 4s]); "slow" is [24s, 36s]
//   - min_interval/max_interval override the mode band when both are set
//   - wordlist: data/wordlist.txt, then wordlist.txt
type WordsConfig struct {
	Enabled     bool             `json:"enabled"`
	Mode        string           `json:"mode,omitempty"`
	MinInterval string           `json:"min_interval,omitempty"`
	MaxInterval string           `json:"max_interval,omitempty"`
	Wordlist    string           `json:"wordlist,omitempty"`
	AutoDelete  AutoDeleteConfig `json:"auto_delete"`
}

type AutoDeleteConfig struct {
	Enabled bool `json:"enabled"`
	// After defaults to "1s".
	After string `json:"after,omitempty"`
	// RoundTrip is subtracted from each drawn interval so the send plus the
	// delete still match the band. Defaults to "0s".
	RoundTrip string `json:"round_trip,omitempty"`
}

// BonusConfig defaults: interval [181s, 300s], send_on_start true.
type BonusConfig struct {
	Enabled     bool   `json:"enabled"`
	Body        string `json:"body"`
	MinInterval string `json:"min_interval,omitempty"`
	MaxInterval string `json:"max_interval,omitempty"`
	SendOnStart *bool  `json:"send_on_start,omitempty"`
}

type RouterConfig struct {
	// SenderUsername restricts inbound handling to one account. '@' optional.
	SenderUsername  string `json:"sender_username,omitempty"`
	ChallengeMarker string `json:"challenge_marker,omitempty"`
	BoxMarker       string `json:"box_marker,omitempty"`
}

type ChallengesConfig struct {
	Enabled bool `json:"enabled"`
	// Precision of the reply; -1 (default) prints the shortest exact form.
	Precision *int `json:"precision,omitempty"`
	// DedupTTL defaults to "24h".
	DedupTTL string `json:"dedup_ttl,omitempty"`
}

type BoxesConfig struct {
	Enabled bool `json:"enabled"`
}

// RecognitionConfig selects the OCR engine.
//
// Engines: "none" (default), "command", "tesseract" (binary built with
// -tags tesseract).
type RecognitionConfig struct {
	Engine      string          `json:"engine"`
	Command     CommandConfig   `json:"command"`
	Tesseract   TesseractConfig `json:"tesseract"`
	Workers     int             `json:"workers,omitempty"`
	QueueSize   int             `json:"queue_size,omitempty"`
	JobTimeout  string          `json:"job_timeout,omitempty"`
	LoadTimeout string          `json:"load_timeout,omitempty"`
}

// CommandConfig runs an external OCR executable. An argument equal to
// "{input}" is replaced with a temp file holding the image; without it the
// image is written to stdin.
type CommandConfig struct {
	Path      string   `json:"path"`
	Args      []string `json:"args,omitempty"`
	Suffix    string   `json:"suffix,omitempty"`
	MaxOutput int      `json:"max_output,omitempty"`
}

type TesseractConfig struct {
	Languages   []string `json:"languages,omitempty"`
	Whitelist   string   `json:"whitelist,omitempty"`
	PageSegMode int      `json:"psm,omitempty"`
}

// DispatchConfig defaults: queue_size 64, rate_per_sec 0 (unpaced),
// burst 1, send_timeout "10s".
type DispatchConfig struct {
	QueueSize   int     `json:"queue_size,omitempty"`
	RatePerSec  float64 `json:"rate_per_sec,omitempty"`
	Burst       int     `json:"burst,omitempty"`
	SendTimeout string  `json:"send_timeout,omitempty"`
	MaxCooldown string  `json:"max_cooldown,omitempty"`
}

type ShutdownConfig struct {
	// Grace defaults to "5s".
	Grace string `json:"grace,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the optional journal and dedup store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./levelup.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// StatusConfig controls the local status endpoint (/healthz, /status and
// optionally /debug/pprof/). Non-loopback addresses need a token unless
// allow_insecure is set.
type StatusConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default "127.0.0.1:6061"
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
}
