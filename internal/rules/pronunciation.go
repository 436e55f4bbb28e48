// Package rules rewrites response sentences before they reach the speech engine.
//
// A rules file holds one rule per line:
//
//	API => A P I              whole-word literal, case-insensitive
//	s/(\d+)%/$1 percent/g     sed-style regular expression
//
// Blank lines and lines starting with # are ignored.
package rules

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"unicode"
)

const defaultPassLimit = 30

type rule interface {
	rewrite(text string) string
}

// Pronunciation is an ordered rule set applied until the text stops changing.
type Pronunciation struct {
	rules     []rule
	passLimit int
}

// Load reads a rules file. A missing file or empty path yields an empty rule set.
func Load(path string) (*Pronunciation, error) {
	if strings.TrimSpace(path) == "" {
		return &Pronunciation{passLimit: defaultPassLimit}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Pronunciation{passLimit: defaultPassLimit}, nil
		}
		return nil, fmt.Errorf("failed to open pronunciation rules %q: %w", path, err)
	}
	defer f.Close()

	p, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("pronunciation rules %q: %w", path, err)
	}
	return p, nil
}

// Parse compiles rules from r.
func Parse(r io.Reader) (*Pronunciation, error) {
	p := &Pronunciation{passLimit: defaultPassLimit}
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		var (
			compiled rule
			err      error
		)
		switch {
		case isSedRule(line):
			compiled, err = compileSed(line)
		case strings.Contains(line, "=>"):
			compiled, err = compileWord(line)
		default:
			err = errors.New("expected 'word => spoken' or 's/pattern/replacement/flags'")
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		p.rules = append(p.rules, compiled)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return p, nil
}

// Len reports the number of compiled rules.
func (p *Pronunciation) Len() int {
	if p == nil {
		return 0
	}
	return len(p.rules)
}

// Apply rewrites a sentence for speech. Symbols and pictographs the speech
// engine would spell out are dropped after the rules run.
func (p *Pronunciation) Apply(text string) string {
	if p != nil && len(p.rules) > 0 {
		for pass := 0; pass < p.passLimit; pass++ {
			before := text
			for _, r := range p.rules {
				text = r.rewrite(text)
			}
			if text == before {
				break
			}
		}
	}
	return dropPictographs(text)
}

type wordRule struct {
	re     *regexp.Regexp
	spoken string
}

func compileWord(line string) (rule, error) {
	written, spoken, _ := strings.Cut(line, "=>")
	written = strings.TrimSpace(written)
	if written == "" {
		return nil, errors.New("literal rule needs a word before =>")
	}
	pattern := regexp.QuoteMeta(written)
	if isWordByte(written[0]) {
		pattern = `\b` + pattern
	}
	if isWordByte(written[len(written)-1]) {
		pattern += `\b`
	}
	re, err := regexp.Compile(`(?i)` + pattern)
	if err != nil {
		return nil, err
	}
	return wordRule{re: re, spoken: strings.TrimSpace(spoken)}, nil
}

func (w wordRule) rewrite(text string) string {
	return w.re.ReplaceAllLiteralString(text, w.spoken)
}

type sedRule struct {
	re          *regexp.Regexp
	replacement string
	global      bool
}

func isSedRule(line string) bool {
	return len(line) > 2 && line[0] == 's' && !isWordByte(line[1])
}

func compileSed(line string) (rule, error) {
	delim := line[1]
	pattern, rest, err := splitDelimited(line[2:], delim)
	if err != nil {
		return nil, fmt.Errorf("pattern: %w", err)
	}
	replacement, flags, err := splitDelimited(rest, delim)
	if err != nil {
		return nil, fmt.Errorf("replacement: %w", err)
	}

	global := false
	prefix := "i"
	for _, flag := range strings.TrimSpace(flags) {
		switch flag {
		case 'g':
			global = true
		case 'i':
		case 'I':
			prefix = strings.TrimPrefix(prefix, "i")
		case 'm', 's':
			prefix += string(flag)
		default:
			return nil, fmt.Errorf("unsupported flag %q", flag)
		}
	}
	if prefix != "" {
		pattern = "(?" + prefix + ")" + pattern
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	return sedRule{re: re, replacement: replacement, global: global}, nil
}

func (s sedRule) rewrite(text string) string {
	if s.global {
		return s.re.ReplaceAllString(text, s.replacement)
	}
	loc := s.re.FindStringSubmatchIndex(text)
	if loc == nil {
		return text
	}
	expanded := s.re.ExpandString(nil, s.replacement, text, loc)
	return text[:loc[0]] + string(expanded) + text[loc[1]:]
}

// splitDelimited reads up to the next unescaped delim. An escaped delimiter is
// unescaped; other escapes are kept for the regexp engine.
func splitDelimited(s string, delim byte) (string, string, error) {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\\' && i+1 < len(s):
			if s[i+1] != delim {
				b.WriteByte(c)
			}
			b.WriteByte(s[i+1])
			i++
		case c == delim:
			return b.String(), s[i+1:], nil
		default:
			b.WriteByte(c)
		}
	}
	return "", "", errors.New("missing closing delimiter")
}

func isWordByte(c byte) bool {
	return c == '_' || c == ' ' || c == '\t' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func dropPictographs(text string) string {
	if isPlain(text) {
		return text
	}
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if r == '\u200d' || r == '\ufe0f' || (r >= 0x2190 && unicode.In(r, unicode.So, unicode.Sk)) {
			continue
		}
		b.WriteRune(r)
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

func isPlain(text string) bool {
	for i := 0; i < len(text); i++ {
		if text[i] >= 0x80 {
			return false
		}
	}
	return true
}
