// Package protocol implements the BotWave control-channel text frame codec:
// newline-terminated frames of the form "VERB pos1 pos2 key=value key2='q v'".
package protocol

import (
	"fmt"
	"sort"
	"strings"

	"botwave/internal/errs"
)

// MaxLineLength is the longest frame control.Channel.ReadFrame accepts. The
// line is read in full before its length is checked, so this rejects an
// overlong frame but does not bound the read itself.
const MaxLineLength = 64 * 1024

// Frame is a decoded command: a verb, ordered positional arguments, and a
// set of keyword arguments.
type Frame struct {
	Verb       string
	Positional []string
	Keyword    map[string]string
}

// Get returns the keyword argument named key, or "" if absent.
func (f Frame) Get(key string) string {
	if f.Keyword == nil {
		return ""
	}
	return f.Keyword[key]
}

// Parse decodes one line (without its trailing LF) into a Frame.
// Decoding fails with errs.ErrInvalidSyntax for unbalanced quotes or an
// empty verb.
func Parse(line string) (Frame, error) {
	line = strings.TrimRight(line, "\r\n")
	tokens, err := tokenize(line)
	if err != nil {
		return Frame{}, err
	}
	if len(tokens) == 0 {
		return Frame{}, fmt.Errorf("%w: empty frame", errs.ErrInvalidSyntax)
	}

	f := Frame{
		Verb:    strings.ToUpper(tokens[0]),
		Keyword: make(map[string]string),
	}
	for _, tok := range tokens[1:] {
		if key, value, ok := splitKeyword(tok); ok {
			f.Keyword[key] = value
		} else {
			f.Positional = append(f.Positional, tok)
		}
	}
	return f, nil
}

// splitKeyword splits "key=value" on the first unescaped '=' found outside
// of quoting (tokenize has already resolved quoting, so this just looks for
// the first '=').
func splitKeyword(tok string) (key, value string, ok bool) {
	idx := strings.IndexByte(tok, '=')
	if idx <= 0 {
		return "", "", false
	}
	return tok[:idx], tok[idx+1:], true
}

// tokenize splits line into shell-style tokens: whitespace separates tokens
// outside quotes; single or double quotes group a token containing spaces;
// backslash escapes the following byte while inside quotes.
func tokenize(line string) ([]string, error) {
	var tokens []string
	var cur strings.Builder
	inToken := false
	var quote byte // 0, '\'', or '"'

	flush := func() {
		if inToken {
			tokens = append(tokens, cur.String())
			cur.Reset()
			inToken = false
		}
	}

	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case quote != 0:
			if c == '\\' && i+1 < len(line) {
				i++
				cur.WriteByte(line[i])
				continue
			}
			if c == quote {
				quote = 0
				continue
			}
			cur.WriteByte(c)
		case c == '\'' || c == '"':
			quote = c
			inToken = true
		case c == ' ' || c == '\t':
			flush()
		default:
			inToken = true
			cur.WriteByte(c)
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("%w: unbalanced quote", errs.ErrInvalidSyntax)
	}
	flush()
	return tokens, nil
}

// Build renders a Frame back into a single newline-terminated wire frame.
// The verb is upper-cased; positional arguments are emitted in order
// followed by keyword arguments sorted by key for determinism.
func Build(f Frame) string {
	var b strings.Builder
	b.WriteString(strings.ToUpper(f.Verb))
	for _, p := range f.Positional {
		b.WriteByte(' ')
		b.WriteString(quoteIfNeeded(p))
	}

	keys := make([]string, 0, len(f.Keyword))
	for k := range f.Keyword {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteByte(' ')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(quoteIfNeeded(f.Keyword[k]))
	}
	b.WriteByte('\n')
	return b.String()
}

// quoteIfNeeded wraps value in single quotes (escaping embedded single
// quotes and backslashes) when it contains whitespace or a quote character;
// bare values pass through unchanged.
func quoteIfNeeded(value string) string {
	if value == "" {
		return "''"
	}
	if !strings.ContainsAny(value, " \t'\"") {
		return value
	}
	var b strings.Builder
	b.WriteByte('\'')
	for i := 0; i < len(value); i++ {
		c := value[i]
		if c == '\'' || c == '\\' {
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}
	b.WriteByte('\'')
	return b.String()
}
