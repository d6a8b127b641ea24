package intelligence

import "strings"

// Lexicon supplies the sentiment and negation vocabulary the conflict
// detector matches against. The word lists are heuristic and
// language-specific, so they are pluggable rather than hard-coded: swap in a
// different lexicon for a different language or domain.
type Lexicon struct {
	// Positive are positive-affect predicates ("like", "love").
	Positive []string

	// Negative are negative-affect predicates ("hate", "dislike").
	Negative []string

	// Negations are tokens that invert the following predicate.
	Negations []string

	// Stopwords are tokens excluded from topic signatures.
	Stopwords []string

	positive  map[string]bool
	negative  map[string]bool
	negations map[string]bool
	stopwords map[string]bool
}

// DefaultLexicon returns the built-in English lexicon.
func DefaultLexicon() *Lexicon {
	l := &Lexicon{
		Positive: []string{"like", "likes", "love", "loves", "loved", "enjoy", "enjoys", "adore", "adores", "prefer", "prefers", "want", "wants"},
		Negative: []string{"hate", "hates", "hated", "dislike", "dislikes", "detest", "detests", "avoid", "avoids"},
		Negations: []string{"not", "no", "never", "don't", "dont", "doesn't", "doesnt", "didn't", "didnt", "can't", "cant", "won't", "wont", "isn't", "isnt"},
		Stopwords: []string{"i", "me", "my", "you", "your", "we", "our", "it", "its", "a", "an", "the", "and", "or", "but", "to", "of", "in", "on", "at", "for", "with", "is", "am", "are", "was", "were", "be", "been", "do", "does", "did", "have", "has", "had", "that", "this", "so", "very", "really"},
	}
	l.index()
	return l
}

// index builds the lookup sets. Called lazily so that a literal-constructed
// Lexicon still works.
func (l *Lexicon) index() {
	l.positive = toSet(l.Positive)
	l.negative = toSet(l.Negative)
	l.negations = toSet(l.Negations)
	l.stopwords = toSet(l.Stopwords)

	// Sentiment and negation words never count as topic tokens.
	for w := range l.positive {
		l.stopwords[w] = true
	}
	for w := range l.negative {
		l.stopwords[w] = true
	}
	for w := range l.negations {
		l.stopwords[w] = true
	}
}

func (l *Lexicon) isPositive(token string) bool { return l.lookup().positive[token] }
func (l *Lexicon) isNegative(token string) bool { return l.lookup().negative[token] }
func (l *Lexicon) isNegation(token string) bool { return l.lookup().negations[token] }
func (l *Lexicon) isStopword(token string) bool { return l.lookup().stopwords[token] }

func (l *Lexicon) lookup() *Lexicon {
	if l.positive == nil {
		l.index()
	}
	return l
}

func toSet(words []string) map[string]bool {
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[strings.ToLower(w)] = true
	}
	return set
}
