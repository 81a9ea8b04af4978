//go:build tesseract

package recognition

import (
	"context"
	"fmt"
	"strings"

	"github.com/otiai10/gosseract/v2"
)

type tesseractEngine struct {
	cfg     TesseractConfig
	version string
}

func newTesseract(ctx context.Context, cfg TesseractConfig) (Engine, error) {
	c := gosseract.NewClient()
	defer c.Close()
	if len(cfg.Languages) > 0 {
		if err := c.SetLanguage(cfg.Languages...); err != nil {
			return nil, fmt.Errorf("tesseract: %w", err)
		}
	}
	return &tesseractEngine{cfg: cfg, version: gosseract.Version()}, nil
}

func (e *tesseractEngine) Name() string { return "tesseract " + e.version }

// Recognize uses a fresh client per call; gosseract clients are not safe
// for concurrent use.
func (e *tesseractEngine) Recognize(ctx context.Context, img []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c := gosseract.NewClient()
	defer c.Close()

	if len(e.cfg.Languages) > 0 {
		if err := c.SetLanguage(e.cfg.Languages...); err != nil {
			return "", err
		}
	}
	if e.cfg.Whitelist != "" {
		if err := c.SetWhitelist(e.cfg.Whitelist); err != nil {
			return "", err
		}
	}
	if e.cfg.PageSegMode > 0 {
		if err := c.SetPageSegMode(gosseract.PageSegMode(e.cfg.PageSegMode)); err != nil {
			return "", err
		}
	}
	if err := c.SetImageFromBytes(img); err != nil {
		return "", err
	}
	txt, err := c.Text()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(txt), nil
}

func (e *tesseractEngine) Close() error { return nil }
