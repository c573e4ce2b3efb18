package database

import (
	"regexp"
	"strings"

	"github.com/koustreak/callsql/internal/errs"
)

// Call is a parsed `{call name(args)}` escape.
type Call struct {
	// Name is the procedure name as written, possibly schema-qualified.
	Name string

	// Args is the raw text between the parentheses ("" when absent).
	Args string

	// Return is set for the `{? = call ...}` form. Position 1 then holds the
	// function's return value and the argument placeholders start at 2.
	Return bool
}

// RewriteArgs renders the placeholders of Args. render receives the
// placeholder's position in the whole escape, return value included.
func (c Call) RewriteArgs(render func(pos int) string) string {
	offset := 0
	if c.Return {
		offset = 1
	}
	return RewritePlaceholders(c.Args, func(n int) string { return render(n + offset) })
}

var (
	callEscapeRe   = regexp.MustCompile(`(?is)^\s*\{\s*(\?\s*=\s*)?call\s+([^\s(){}]+)\s*(?:\((.*)\))?\s*\}\s*;?\s*$`)
	returnEscapeRe = regexp.MustCompile(`(?is)^\s*\{\s*\?\s*=\s*call\b`)
	procNameRe     = regexp.MustCompile(`(?is)^\s*(?:call|exec(?:ute)?)\s+([^\s(;]+)`)
)

// ParseCallEscape recognises the portable `{call name(?, ...)}` and
// `{? = call name(?, ...)}` forms. ok is false when sql is not an escape and
// should be sent as written. A return-value escape that does not parse is
// invalid input rather than plain text.
func ParseCallEscape(sql string) (call Call, ok bool, err error) {
	m := callEscapeRe.FindStringSubmatch(sql)
	if m == nil {
		if returnEscapeRe.MatchString(sql) {
			return Call{}, false, errs.New(errs.ErrKindInvalidInput, "malformed return-value call escape")
		}
		return Call{}, false, nil
	}
	return Call{Name: m[2], Args: strings.TrimSpace(m[3]), Return: m[1] != ""}, true, nil
}

// ProcedureName extracts the procedure name from an escape or from a plain
// CALL / EXEC statement.
func ProcedureName(sql string) (string, bool) {
	if call, ok, err := ParseCallEscape(sql); err == nil && ok {
		return call.Name, true
	}
	if m := procNameRe.FindStringSubmatch(sql); m != nil {
		return m[1], true
	}
	return "", false
}

// SplitName splits a possibly qualified procedure name into its qualifier
// and object parts, stripping double-quote, backtick and bracket quoting.
func SplitName(name string) (qualifier, object string) {
	unquote := func(s string) string {
		s = strings.TrimSpace(s)
		if len(s) >= 2 {
			switch {
			case s[0] == '"' && s[len(s)-1] == '"',
				s[0] == '`' && s[len(s)-1] == '`',
				s[0] == '[' && s[len(s)-1] == ']':
				return s[1 : len(s)-1]
			}
		}
		return s
	}
	i := strings.LastIndexByte(name, '.')
	if i < 0 {
		return "", unquote(name)
	}
	return unquote(name[:i]), unquote(name[i+1:])
}

// Placeholders returns the byte offsets of every `?` placeholder in sql,
// skipping quoted strings, quoted identifiers and comments.
func Placeholders(sql string) []int {
	var out []int
	for i := 0; i < len(sql); i++ {
		switch ch := sql[i]; ch {
		case '\'', '"', '`':
			i = skipQuoted(sql, i, ch)
		case '-':
			if i+1 < len(sql) && sql[i+1] == '-' {
				for i < len(sql) && sql[i] != '\n' {
					i++
				}
			}
		case '/':
			if i+1 < len(sql) && sql[i+1] == '*' {
				end := strings.Index(sql[i+2:], "*/")
				if end < 0 {
					return out
				}
				i += end + 3
			}
		case '?':
			out = append(out, i)
		}
	}
	return out
}

// RewritePlaceholders replaces each placeholder with render(ordinal), where
// ordinal is 1-based.
func RewritePlaceholders(sql string, render func(ordinal int) string) string {
	offsets := Placeholders(sql)
	if len(offsets) == 0 {
		return sql
	}
	var b strings.Builder
	b.Grow(len(sql) + 4*len(offsets))
	prev := 0
	for n, off := range offsets {
		b.WriteString(sql[prev:off])
		b.WriteString(render(n + 1))
		prev = off + 1
	}
	b.WriteString(sql[prev:])
	return b.String()
}

// skipQuoted returns the offset of the closing quote of the literal opened
// at start; a doubled quote is an escaped quote.
func skipQuoted(sql string, start int, quote byte) int {
	for i := start + 1; i < len(sql); i++ {
		if sql[i] != quote {
			continue
		}
		if i+1 < len(sql) && sql[i+1] == quote {
			i++
			continue
		}
		return i
	}
	return len(sql)
}
