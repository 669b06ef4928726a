// Package lexicon holds the keyword lists used to interpret free text.
package lexicon

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"unicode"
)

func Default() *Lexicon {
	return &Lexicon{
		Version:       "builtin",
		Greetings:     []string{"hi", "hello", "hey", "hola", "good morning", "good afternoon", "good evening"},
		ReservedWords: []string{"menu", "start", "cancel", "exit"},
		Affirmatives:  []string{"yes", "y", "si", "sí", "ok", "confirm", "sure"},
		Negatives:     []string{"no", "n", "nope", "stop"},
		Intents: map[string][]string{
			IntentBooking:      {"book", "booking", "appointment", "schedule", "reserve"},
			IntentCancellation: {"cancel appointment", "cancel my", "cancel booking"},
			IntentReschedule:   {"reschedule", "change time", "move"},
			IntentHuman:        {"human", "agent", "person", "talk"},
			IntentCatalog:      {"services", "prices", "catalog"},
		},
	}
}

// Load reads a lexicon file. Lists missing from the file keep their
// built-in values. An empty path returns the defaults.
func Load(path string) (*Lexicon, error) {
	lex := Default()
	if path == "" {
		return lex, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var file Lexicon
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse lexicon %s: %w", path, err)
	}
	lex.merge(&file)
	return lex, nil
}

func (l *Lexicon) merge(o *Lexicon) {
	if o.Version != "" {
		l.Version = o.Version
	}
	if len(o.Greetings) > 0 {
		l.Greetings = o.Greetings
	}
	if len(o.ReservedWords) > 0 {
		l.ReservedWords = o.ReservedWords
	}
	if len(o.Affirmatives) > 0 {
		l.Affirmatives = o.Affirmatives
	}
	if len(o.Negatives) > 0 {
		l.Negatives = o.Negatives
	}
	for intent, words := range o.Intents {
		if len(words) > 0 {
			l.Intents[intent] = words
		}
	}
}

// WithReservedWords adds extra reserved words.
func (l *Lexicon) WithReservedWords(words []string) *Lexicon {
	for _, w := range words {
		if w = Normalize(w); w != "" && !contains(l.ReservedWords, w) {
			l.ReservedWords = append(l.ReservedWords, w)
		}
	}
	return l
}

// Normalize lowercases text, turns punctuation into spaces and collapses
// runs of whitespace.
func Normalize(text string) string {
	mapped := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ':' {
			return unicode.ToLower(r)
		}
		return ' '
	}, text)
	return strings.Join(strings.Fields(mapped), " ")
}

func (l *Lexicon) IsReserved(text string) bool {
	return contains(l.ReservedWords, Normalize(text))
}

func (l *Lexicon) IsAffirmative(text string) bool {
	return contains(l.Affirmatives, Normalize(text))
}

func (l *Lexicon) IsNegative(text string) bool {
	return contains(l.Negatives, Normalize(text))
}

// IsGreeting matches a message that is, or starts with, a greeting.
func (l *Lexicon) IsGreeting(text string) bool {
	n := Normalize(text)
	for _, g := range l.Greetings {
		g = Normalize(g)
		if n == g || strings.HasPrefix(n, g+" ") {
			return true
		}
	}
	return false
}

// Intent returns the first intent with a keyword appearing as whole words
// in text, or "".
func (l *Lexicon) Intent(text string) string {
	padded := " " + Normalize(text) + " "
	for _, intent := range intentOrder {
		for _, kw := range l.Intents[intent] {
			if kw = Normalize(kw); kw != "" && strings.Contains(padded, " "+kw+" ") {
				return intent
			}
		}
	}
	return ""
}

func contains(list []string, n string) bool {
	for _, w := range list {
		if Normalize(w) == n {
			return true
		}
	}
	return false
}
