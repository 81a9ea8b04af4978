package mathexpr

import (
	"regexp"
	"strings"
)

var (
	latexReplacer = strings.NewReplacer(
		`\left(`, "(",
		`\right)`, ")",
		`\left`, "",
		`\right`, "",
		`\times`, "*",
		`\div`, "/",
		`\cdot`, "*",
		`\ast`, "*",
		`{`, "",
		`}`, "",
		`$`, "",
	)
	symbolReplacer = strings.NewReplacer(
		"×", "*",
		"·", "*",
		"∙", "*",
		"÷", "/",
		"∕", "/",
		"−", "-",
		"–", "-",
		"—", "-",
		"＋", "+",
		"（", "(",
		"）", ")",
		"٫", ".",
		"=", "",
		"?", "",
		"؟", "",
	)
	// OCR often reads the multiplication sign as the letter x.
	letterTimes = regexp.MustCompile(`([0-9)])\s*[xX]\s*([0-9(])`)
)

// Normalize maps the notations recognition engines produce into the plain
// ASCII grammar Parse accepts. Unknown characters are kept so Extract can
// still split on them.
func Normalize(s string) string {
	s = latexReplacer.Replace(s)
	s = symbolReplacer.Replace(s)

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= '۰' && r <= '۹': // Persian digits
			b.WriteRune('0' + (r - '۰'))
		case r >= '٠' && r <= '٩': // Arabic-Indic digits
			b.WriteRune('0' + (r - '٠'))
		case r == '\n' || r == '\t' || r == '\r':
			b.WriteByte(' ')
		default:
			b.WriteRune(r)
		}
	}
	s = b.String()
	// Applied twice so chains like 2x3x4 are fully rewritten.
	s = letterTimes.ReplaceAllString(s, "$1*$2")
	s = letterTimes.ReplaceAllString(s, "$1*$2")
	return strings.TrimSpace(s)
}
