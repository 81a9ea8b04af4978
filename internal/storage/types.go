package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Entry is one journal record: a finished action or recognition job.
// Keep it compact and schema-stable.
type Entry struct {
	At        time.Time `json:"at"`
	Event     string    `json:"event"`
	Producer  string    `json:"producer,omitempty"`
	Action    string    `json:"action,omitempty"`
	ActionID  string    `json:"action_id,omitempty"`
	JobID     string    `json:"job_id,omitempty"`
	MessageID int       `json:"message_id,omitempty"`
	Text      string    `json:"text,omitempty"`
	Reply     string    `json:"reply,omitempty"`
	Error     string    `json:"err,omitempty"`
	TookMS    int64     `json:"took_ms,omitempty"`
}
