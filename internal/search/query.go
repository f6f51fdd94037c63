// Package search runs full-text queries over the messages of a user's
// conversations.
package search

import (
	"strings"
	"unicode"

	"go-buddychat/internal/textnorm"
)

// MaxTerms bounds how many query terms reach the database.
const MaxTerms = 16

// Terms normalizes a free-text query into search terms: folded like stored
// message text, then split on anything that is not a letter or digit. A
// blank or punctuation only query has no terms.
func Terms(query string) []string {
	folded := textnorm.Fold(query)
	terms := strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	if len(terms) > MaxTerms {
		terms = terms[:MaxTerms]
	}
	return terms
}
