package recognition

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// InputPlaceholder in CommandConfig.Args is replaced with a temp file path
// holding the image. Without it the image is written to stdin.
const InputPlaceholder = "{input}"

type CommandConfig struct {
	Path string
	Args []string
	// Suffix of the temp file ({input} mode). Default ".jpg".
	Suffix string
	// MaxOutput caps captured stdout bytes. Default 64 KiB.
	MaxOutput int
}

type commandEngine struct {
	cfg  CommandConfig
	path string
}

func newCommand(ctx context.Context, cfg CommandConfig) (Engine, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("command engine: path is empty")
	}
	p, err := exec.LookPath(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("command engine: %w", err)
	}
	if cfg.Suffix == "" {
		cfg.Suffix = ".jpg"
	}
	if cfg.MaxOutput <= 0 {
		cfg.MaxOutput = 64 << 10
	}
	return &commandEngine{cfg: cfg, path: p}, nil
}

func (e *commandEngine) Name() string { return "command:" + e.cfg.Path }

func (e *commandEngine) Recognize(ctx context.Context, img []byte) (string, error) {
	args := make([]string, len(e.cfg.Args))
	copy(args, e.cfg.Args)

	useFile := false
	for _, a := range args {
		if strings.Contains(a, InputPlaceholder) {
			useFile = true
			break
		}
	}

	var stdin *bytes.Reader
	if useFile {
		f, err := os.CreateTemp("", "levelup-*"+e.cfg.Suffix)
		if err != nil {
			return "", err
		}
		name := f.Name()
		defer os.Remove(name)
		if _, err := f.Write(img); err != nil {
			_ = f.Close()
			return "", err
		}
		if err := f.Close(); err != nil {
			return "", err
		}
		for i, a := range args {
			args[i] = strings.ReplaceAll(a, InputPlaceholder, name)
		}
	} else {
		stdin = bytes.NewReader(img)
	}

	cmd := exec.CommandContext(ctx, e.path, args...)
	if stdin != nil {
		cmd.Stdin = stdin
	}
	var stdout limitedBuffer
	stdout.max = e.cfg.MaxOutput
	var stderr limitedBuffer
	stderr.max = 2048
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return "", fmt.Errorf("%s: %w: %s", e.cfg.Path, err, msg)
		}
		return "", fmt.Errorf("%s: %w", e.cfg.Path, err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

func (e *commandEngine) Close() error { return nil }

// limitedBuffer keeps the first max bytes and discards the rest.
type limitedBuffer struct {
	bytes.Buffer
	max int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if room := b.max - b.Len(); room > 0 {
		if len(p) > room {
			p = p[:room]
		}
		b.Buffer.Write(p)
	}
	return n, nil
}
