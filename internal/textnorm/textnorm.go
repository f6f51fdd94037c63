// Package textnorm folds text for matching. Stored message text and search
// queries go through the same Fold so compatibility forms and case never
// decide whether a search hits.
package textnorm

import (
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Fold applies NFKC and then Unicode case folding. A Caser is not safe for
// concurrent use, so each call builds its own.
func Fold(s string) string {
	return cases.Fold().String(norm.NFKC.String(s))
}
