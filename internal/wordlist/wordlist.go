// Package wordlist loads the word collection for the word stream.
package wordlist

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"unicode/utf8"
)

// DefaultPaths are tried in order when no path is configured.
var DefaultPaths = []string{"data/wordlist.txt", "wordlist.txt"}

var ErrEmpty = errors.New("wordlist is empty")

// Load reads the first existing candidate. An explicit path is tried before
// the defaults. It returns the words and the path they came from.
func Load(path string) ([]string, string, error) {
	candidates := DefaultPaths
	if p := strings.TrimSpace(path); p != "" {
		candidates = append([]string{p}, DefaultPaths...)
	}
	for _, p := range candidates {
		f, err := os.Open(p)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, p, err
		}
		words, err := Read(f)
		_ = f.Close()
		if err != nil {
			return nil, p, fmt.Errorf("%s: %w", p, err)
		}
		return words, p, nil
	}
	return nil, "", fmt.Errorf("wordlist not found (tried %s)", strings.Join(candidates, ", "))
}

// Read parses one entry per line. Lines are trimmed; blank lines and lines
// starting with '#' are skipped. Invalid UTF-8 is an error.
func Read(r io.Reader) ([]string, error) {
	var words []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 64*1024)
	line := 0
	for sc.Scan() {
		line++
		s := strings.TrimSpace(strings.TrimPrefix(sc.Text(), "\ufeff"))
		if s == "" || strings.HasPrefix(s, "#") {
			continue
		}
		if !utf8.ValidString(s) {
			return nil, fmt.Errorf("line %d: invalid UTF-8", line)
		}
		words = append(words, s)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(words) == 0 {
		return nil, ErrEmpty
	}
	return words, nil
}
