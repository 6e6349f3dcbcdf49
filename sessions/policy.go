package sessions

import (
	"fmt"
	"strings"
	"unicode"
)

// MatchMode selects how farewell tokens are compared against an utterance.
type MatchMode string

const (
	// MatchSubstring terminates when a token appears anywhere, so "bye"
	// also matches "goodbye".
	MatchSubstring MatchMode = "substring"
	// MatchWord terminates only when the token's words appear as whole,
	// consecutive words of the utterance.
	MatchWord MatchMode = "word"
)

var DefaultFarewellTokens = []string{"bye", "goodbye", "that's all", "no thanks"}

// FarewellPolicy decides whether a user utterance ends the call.
type FarewellPolicy struct {
	mode   MatchMode
	tokens []string
	words  [][]string
}

func NewFarewellPolicy(mode MatchMode, tokens []string) (*FarewellPolicy, error) {
	switch mode {
	case "":
		mode = MatchSubstring
	case MatchSubstring, MatchWord:
	default:
		return nil, fmt.Errorf("unknown farewell match mode %q", mode)
	}

	p := &FarewellPolicy{mode: mode}
	for _, tok := range tokens {
		norm := normalizeUtterance(tok)
		if norm == "" {
			continue
		}
		p.tokens = append(p.tokens, norm)
		p.words = append(p.words, strings.Fields(norm))
	}
	if len(p.tokens) == 0 {
		return nil, fmt.Errorf("at least one farewell token is required")
	}
	return p, nil
}

func (p *FarewellPolicy) IsFarewell(utterance string) bool {
	if p == nil {
		return false
	}
	norm := normalizeUtterance(utterance)
	if norm == "" {
		return false
	}

	if p.mode == MatchSubstring {
		for _, tok := range p.tokens {
			if strings.Contains(norm, tok) {
				return true
			}
		}
		return false
	}

	words := strings.Fields(norm)
	for _, tok := range p.words {
		if containsRun(words, tok) {
			return true
		}
	}
	return false
}

// normalizeUtterance lowercases, folds curly apostrophes and turns every
// other punctuation mark into a space.
func normalizeUtterance(s string) string {
	s = strings.ToLower(strings.ReplaceAll(s, "’", "'"))
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '\'':
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

func containsRun(words, run []string) bool {
	if len(run) == 0 || len(run) > len(words) {
		return false
	}
outer:
	for i := 0; i+len(run) <= len(words); i++ {
		for j := range run {
			if words[i+j] != run[j] {
				continue outer
			}
		}
		return true
	}
	return false
}
