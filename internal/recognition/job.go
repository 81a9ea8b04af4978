package recognition

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"levelup/internal/mathexpr"
	"levelup/internal/transport"
)

var (
	ErrDownload    = errors.New("photo download failed")
	ErrRecognition = errors.New("recognition failed")
)

// Job is one challenge to solve.
type Job struct {
	ID              string
	ChatID          int64
	SourceMessageID int
	ReplyTargetID   int
	Photo           transport.MediaRef
	Received        time.Time
}

func NewJob(chatID int64, messageID int, photo transport.MediaRef) Job {
	return Job{
		ID:              uuid.NewString(),
		ChatID:          chatID,
		SourceMessageID: messageID,
		ReplyTargetID:   messageID,
		Photo:           photo,
		Received:        time.Now(),
	}
}

// Result is the outcome of one job. Reply is set only on success.
type Result struct {
	JobID           string
	ChatID          int64
	SourceMessageID int
	ReplyTargetID   int

	Text  string // recognized text
	Expr  string
	Value *float64
	Reply string

	Err      error
	Duration time.Duration
}

func (r Result) OK() bool { return r.Err == nil && r.Value != nil }

// Downloader fetches photo bytes; the transport implements it.
type Downloader interface {
	DownloadMedia(ctx context.Context, media transport.MediaRef) ([]byte, error)
}

// EngineSource hands out the shared engine; *Lazy implements it.
type EngineSource interface {
	Get(ctx context.Context) (Engine, error)
}

// Solver runs the download, recognize, solve sequence for a job.
type Solver struct {
	Download  Downloader
	Engine    EngineSource
	Precision int
}

// Solve never panics on bad input; every failure is reported through
// Result.Err wrapping one of the package or mathexpr sentinels.
func (s Solver) Solve(ctx context.Context, job Job) (res Result) {
	start := time.Now()
	res = Result{
		JobID:           job.ID,
		ChatID:          job.ChatID,
		SourceMessageID: job.SourceMessageID,
		ReplyTargetID:   job.ReplyTargetID,
	}
	defer func() { res.Duration = time.Since(start) }()

	img, err := s.Download.DownloadMedia(ctx, job.Photo)
	if err != nil {
		res.Err = fmt.Errorf("%w: %w", ErrDownload, err)
		return res
	}
	if len(img) == 0 {
		res.Err = fmt.Errorf("%w: empty body", ErrDownload)
		return res
	}

	eng, err := s.Engine.Get(ctx)
	if err != nil {
		res.Err = fmt.Errorf("%w: %w", ErrRecognition, err)
		return res
	}
	text, err := eng.Recognize(ctx, img)
	if err != nil {
		res.Err = fmt.Errorf("%w: %w", ErrRecognition, err)
		return res
	}
	res.Text = text

	return solveText(res, text, s.Precision)
}

// SolveText evaluates already recognized text. Used by the CLI and tests.
func SolveText(text string, precision int) Result {
	return solveText(Result{Text: text}, text, precision)
}

func solveText(res Result, text string, precision int) Result {
	v, expr, err := mathexpr.Solve(text)
	res.Expr = expr.String()
	if err != nil {
		res.Err = err
		return res
	}
	res.Value = &v
	res.Reply = mathexpr.Format(v, precision)
	return res
}
