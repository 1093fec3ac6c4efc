package relay

import (
	"strings"

	"github.com/dorkos-sh/dorkos/internal/dorkerr"
)

// Subjects are dot-delimited token lists. Publishers use concrete subjects;
// subscriber patterns may additionally use `*` (exactly one token) and a
// terminal `>` (one or more trailing tokens).

func validToken(tok string) bool {
	if tok == "" {
		return false
	}
	for i := 0; i < len(tok); i++ {
		c := tok[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '_' || c == '-':
		default:
			return false
		}
	}
	return true
}

// ValidateSubject checks a concrete subject: non-empty tokens in the allowed
// class, no wildcards.
func ValidateSubject(subject string) error {
	if subject == "" {
		return dorkerr.New(dorkerr.CodeInvalidSubject, "empty subject")
	}
	for _, tok := range strings.Split(subject, ".") {
		if !validToken(tok) {
			return dorkerr.New(dorkerr.CodeInvalidSubject, "bad token %q in subject %q", tok, subject)
		}
	}
	return nil
}

type matcherKind int

const (
	matchLiteral matcherKind = iota
	matchAnyOne
	matchTailAny
)

type tokenMatcher struct {
	kind    matcherKind
	literal string
}

// Pattern is a compiled subscriber pattern.
type Pattern struct {
	raw    string
	tokens []tokenMatcher
}

// CompilePattern validates and compiles a subscriber pattern.
func CompilePattern(pattern string) (*Pattern, error) {
	if pattern == "" {
		return nil, dorkerr.New(dorkerr.CodeInvalidSubject, "empty pattern")
	}
	parts := strings.Split(pattern, ".")
	tokens := make([]tokenMatcher, 0, len(parts))
	for i, tok := range parts {
		switch tok {
		case "*":
			tokens = append(tokens, tokenMatcher{kind: matchAnyOne})
		case ">":
			if i != len(parts)-1 {
				return nil, dorkerr.New(dorkerr.CodeInvalidSubject, "'>' must be terminal in %q", pattern)
			}
			tokens = append(tokens, tokenMatcher{kind: matchTailAny})
		default:
			if !validToken(tok) {
				return nil, dorkerr.New(dorkerr.CodeInvalidSubject, "bad token %q in pattern %q", tok, pattern)
			}
			tokens = append(tokens, tokenMatcher{kind: matchLiteral, literal: tok})
		}
	}
	return &Pattern{raw: pattern, tokens: tokens}, nil
}

// String returns the original pattern text.
func (p *Pattern) String() string { return p.raw }

// Matches walks the compiled pattern against a concrete subject.
func (p *Pattern) Matches(subject string) bool {
	toks := strings.Split(subject, ".")
	for i, m := range p.tokens {
		switch m.kind {
		case matchTailAny:
			// Matches one or more trailing tokens.
			return len(toks) > i
		case matchAnyOne:
			if i >= len(toks) {
				return false
			}
		case matchLiteral:
			if i >= len(toks) || toks[i] != m.literal {
				return false
			}
		}
	}
	return len(toks) == len(p.tokens)
}
