// Package match implements the serial-port search-query language: a list
// of whitespace-separated terms that all have to hold for a port to be
// selected.
//
//	VALUE          literal with * and ? wildcards, any attribute
//	ATTR=VALUE     whole-value literal, ATTR a unique prefix of the key
//	~/REGEX/       case-sensitive substring regex, any attribute
//	ATTR~/REGEX/   case-sensitive substring regex on one attribute
//
// Unscoped literals are case-insensitive, word-boundary bound, and match
// numerically equal values across decimal and hex spellings ("9114" and
// "0x239a" name the same vendor id).
package match

import (
	"regexp"
	"strconv"
	"strings"
)

// wellKnownKeys are the attribute names every enumerator emits. Scope
// prefixes are checked against this set at compile time so that a prefix
// like "p" (pid? product?) fails early instead of silently matching
// nothing.
var wellKnownKeys = []string{
	"device",
	"name",
	"description",
	"hwid",
	"vid",
	"pid",
	"vid_pid",
	"serial_number",
	"location",
	"manufacturer",
	"product",
	"interface",
	"subsystem",
	"device_path",
	"usb_device_path",
	"usb_interface_path",
}

type term struct {
	scope  string // lowercase; "" when unscoped
	exact  bool   // scope is a full well-known key, not a prefix
	re     *regexp.Regexp
	num    uint64 // numeric-equivalence alternative for unscoped literals
	hasNum bool
}

// Matcher is a compiled match expression. A Matcher is immutable and safe
// for concurrent use.
type Matcher struct {
	expr  string
	terms []term
}

// Compile parses and compiles a match expression.
func Compile(expr string) (*Matcher, error) {
	raw, err := lex(expr)
	if err != nil {
		return nil, err
	}
	m := &Matcher{expr: expr}
	for _, rt := range raw {
		t, err := compileTerm(expr, rt)
		if err != nil {
			return nil, err
		}
		m.terms = append(m.terms, t)
	}
	return m, nil
}

// String returns the source expression.
func (m *Matcher) String() string {
	return m.expr
}

// Matches reports whether every term of the expression holds for the given
// attribute map. Keys are expected in lowercase; lookup tolerates mixed
// case anyway.
func (m *Matcher) Matches(attrs map[string]string) bool {
	for i := range m.terms {
		if !m.terms[i].matches(attrs) {
			return false
		}
	}
	return true
}

func compileTerm(expr string, rt rawTerm) (term, error) {
	t := term{}
	if rt.scoped {
		scope := strings.ToLower(plain(rt.scope))
		if scope == "" {
			return t, &ParseError{Expr: expr, Pos: rt.pos, Msg: "empty attribute name"}
		}
		hits := 0
		for _, k := range wellKnownKeys {
			if k == scope {
				t.exact = true
				hits = 1
				break
			}
			if strings.HasPrefix(k, scope) {
				hits++
			}
		}
		if hits > 1 {
			return t, &ParseError{Expr: expr, Pos: rt.pos, Msg: "ambiguous attribute prefix " + strconv.Quote(scope)}
		}
		t.scope = scope
	}
	var src string
	switch {
	case rt.isRegex:
		src = rt.regex
	case rt.scoped:
		src = "(?i)^" + literalRegex(rt.value) + "$"
	default:
		src = `(?i)\b` + literalRegex(rt.value) + `\b`
		if n, ok := parseTermInt(rt.value); ok {
			t.num = n
			t.hasNum = true
		}
	}
	re, err := regexp.Compile(src)
	if err != nil {
		return t, &ParseError{Expr: expr, Pos: rt.pos, Msg: "bad regex: " + err.Error()}
	}
	t.re = re
	return t, nil
}

// literalRegex translates a literal value into regex source. Unquoted `*`
// and `?` become wildcards; everything else is quoted verbatim.
func literalRegex(value []qchar) string {
	var b strings.Builder
	for _, c := range value {
		switch {
		case !c.quoted && c.r == '*':
			b.WriteString(".*")
		case !c.quoted && c.r == '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(c.r)))
		}
	}
	return b.String()
}

func plain(cs []qchar) string {
	var b strings.Builder
	for _, c := range cs {
		b.WriteRune(c.r)
	}
	return b.String()
}

// parseTermInt interprets a wildcard-free literal as a decimal or 0x-hex
// integer.
func parseTermInt(value []qchar) (uint64, bool) {
	for _, c := range value {
		if !c.quoted && (c.r == '*' || c.r == '?') {
			return 0, false
		}
	}
	return parseInt(plain(value))
}

func parseInt(s string) (uint64, bool) {
	lower := strings.ToLower(s)
	if rest, ok := strings.CutPrefix(lower, "0x"); ok {
		n, err := strconv.ParseUint(rest, 16, 64)
		return n, err == nil
	}
	n, err := strconv.ParseUint(s, 10, 64)
	return n, err == nil
}

// numEqual reports whether an attribute value names the same integer as
// the term, reading the value as decimal or as hex with or without the 0x
// prefix.
func numEqual(num uint64, v string) bool {
	if n, err := strconv.ParseUint(v, 10, 64); err == nil && n == num {
		return true
	}
	h := strings.ToLower(v)
	h = strings.TrimPrefix(h, "0x")
	if n, err := strconv.ParseUint(h, 16, 64); err == nil && n == num {
		return true
	}
	return false
}

func (t *term) matches(attrs map[string]string) bool {
	if t.scope == "" {
		for _, v := range attrs {
			if t.matchValue(v) {
				return true
			}
		}
		return false
	}
	v, ok := t.resolve(attrs)
	return ok && t.matchValue(v)
}

func (t *term) matchValue(v string) bool {
	if t.re.MatchString(v) {
		return true
	}
	return t.hasNum && numEqual(t.num, v)
}

// resolve finds the attribute the term's scope names: the exact key when
// present, otherwise the single key the scope is a prefix of. With the
// open-ended key sets real enumerators produce, an ambiguous prefix simply
// fails the term.
func (t *term) resolve(attrs map[string]string) (string, bool) {
	if v, ok := attrs[t.scope]; ok {
		return v, true
	}
	var hit string
	n := 0
	for k, v := range attrs {
		lk := strings.ToLower(k)
		if lk == t.scope {
			return v, true
		}
		if strings.HasPrefix(lk, t.scope) {
			hit = v
			n++
		}
	}
	return hit, n == 1
}
