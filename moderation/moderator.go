// Package moderation masks off-platform payment and contact terms in offer messages.
package moderation

import (
	"log/slog"
	"negotiation-lab/contract"
	"negotiation-lab/errors"
	"unicode"

	goahocorasick "github.com/anknown/ahocorasick"
	"github.com/abadojack/whatlanggo"
	"github.com/samber/lo"
)

var _ contract.Censor = (*Moderator)(nil)

// Moderator matches every forbidden term in one pass with an Aho-Corasick
// automaton built over normalized patterns.
type Moderator struct {
	log          *slog.Logger
	matcher      *goahocorasick.Machine
	censoredChar rune
}

// folded is a normalized view of a text. positions[i] is the index in the
// original runes of folded rune i.
type folded struct {
	runes     []rune
	positions []int
}

func NewModerator(censoredWords []string, censoredChar rune, log *slog.Logger) (*Moderator, error) {
	patterns := lo.FilterMap(censoredWords, func(word string, _ int) ([]rune, bool) {
		f := fold(word)
		return f.runes, len(f.runes) > 0
	})
	if len(patterns) == 0 {
		return nil, errors.ErrEmptyWords
	}
	m := new(goahocorasick.Machine)
	if err := m.Build(patterns); err != nil {
		return nil, err
	}
	return &Moderator{log: log, matcher: m, censoredChar: censoredChar}, nil
}

// Censor masks each matched term in place, keeping spacing and punctuation
// outside the match untouched. It returns the masked text and the matched
// terms in their normalized form.
func (m *Moderator) Censor(original string) (string, []string) {
	f := fold(original)
	if len(f.runes) == 0 {
		return original, nil
	}
	hits := m.matcher.MultiPatternSearch(f.runes, false)
	if len(hits) == 0 {
		return original, nil
	}

	masked := []rune(original)
	var words []string
	for _, hit := range hits {
		start, end := hit.Pos, hit.Pos+len(hit.Word)
		if start < 0 || end > len(f.positions) {
			continue
		}
		for i := f.positions[start]; i <= f.positions[end-1]; i++ {
			masked[i] = m.censoredChar
		}
		words = append(words, string(hit.Word))
	}

	info := whatlanggo.Detect(original)
	m.log.Debug("Message censored", "terms", len(words), "lang", info.Lang.Iso6391())
	return string(masked), words
}

func fold(input string) folded {
	runes := []rune(input)
	f := folded{runes: make([]rune, 0, len(runes)), positions: make([]int, 0, len(runes))}
	for i, r := range runes {
		r = unleet(r)
		if unicode.IsPunct(r) || unicode.IsSpace(r) || unicode.IsSymbol(r) {
			continue
		}
		f.runes = append(f.runes, unicode.ToLower(r))
		f.positions = append(f.positions, i)
	}
	return f
}

// unleet maps look-alike digits and symbols back to letters.
func unleet(r rune) rune {
	switch r {
	case '4', '@':
		return 'a'
	case '3', '€':
		return 'e'
	case '1', '!', '|':
		return 'i'
	case '0':
		return 'o'
	case '5', '$':
		return 's'
	case '7':
		return 't'
	default:
		return r
	}
}
