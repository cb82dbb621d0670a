package subindex

import "strings"

// IsPattern reports whether s contains glob metacharacters. Plain names take
// the exact-match fast path instead.
func IsPattern(s string) bool {
	return strings.ContainsAny(s, "*?")
}

type tokenKind int

const (
	tokenLiteral tokenKind = iota
	tokenStar
	tokenAny
)

type token struct {
	kind tokenKind
	lit  string
}

// Pattern is a glob matcher compiled once at subscribe time. `*` matches any
// run of characters (including empty), `?` matches exactly one. Patterns are
// evaluated per publish, so the compiled token form avoids re-parsing the
// glob string on the hot path.
type Pattern struct {
	source string
	tokens []token
}

// CompilePattern parses a glob string into a Pattern.
func CompilePattern(src string) *Pattern {
	var tokens []token
	var lit strings.Builder
	flush := func() {
		if lit.Len() > 0 {
			tokens = append(tokens, token{kind: tokenLiteral, lit: lit.String()})
			lit.Reset()
		}
	}
	for i := 0; i < len(src); i++ {
		switch src[i] {
		case '*':
			flush()
			// collapse runs of stars
			if len(tokens) == 0 || tokens[len(tokens)-1].kind != tokenStar {
				tokens = append(tokens, token{kind: tokenStar})
			}
		case '?':
			flush()
			tokens = append(tokens, token{kind: tokenAny})
		default:
			lit.WriteByte(src[i])
		}
	}
	flush()
	return &Pattern{source: src, tokens: tokens}
}

// Source returns the original glob string.
func (p *Pattern) Source() string { return p.source }

// Match reports whether topic matches the pattern.
func (p *Pattern) Match(topic string) bool {
	return matchTokens(p.tokens, topic)
}

func matchTokens(tokens []token, s string) bool {
	if len(tokens) == 0 {
		return s == ""
	}
	tok := tokens[0]
	switch tok.kind {
	case tokenLiteral:
		if !strings.HasPrefix(s, tok.lit) {
			return false
		}
		return matchTokens(tokens[1:], s[len(tok.lit):])
	case tokenAny:
		if s == "" {
			return false
		}
		return matchTokens(tokens[1:], s[1:])
	case tokenStar:
		rest := tokens[1:]
		if len(rest) == 0 {
			return true
		}
		// try every split point; patterns are short so backtracking is fine
		for i := 0; i <= len(s); i++ {
			if matchTokens(rest, s[i:]) {
				return true
			}
		}
		return false
	}
	return false
}
