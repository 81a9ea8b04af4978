//go:build !tesseract

package recognition

import (
	"context"
	"errors"
)

func newTesseract(context.Context, TesseractConfig) (Engine, error) {
	return nil, errors.New("tesseract engine not compiled in (build with -tags tesseract)")
}
