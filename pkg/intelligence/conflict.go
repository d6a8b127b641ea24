package intelligence

import (
	"sort"
	"strings"
	"time"
	"unicode"
)

// ConflictType classifies how two statements contradict each other.
type ConflictType string

const (
	// ConflictOpposite is opposite sentiment on the same topic
	// ("I like X" vs "I hate X").
	ConflictOpposite ConflictType = "opposite"

	// ConflictNegation is the same predicate with one side negated
	// ("I like X" vs "I don't like X").
	ConflictNegation ConflictType = "negation"
)

// Statement is one historical assertion about a topic.
type Statement struct {
	ID        int64     `json:"id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Conflict links two statements that contradict each other on a shared topic.
// Conflicts are derived annotations, recomputed on demand and never stored.
type Conflict struct {
	// StatementIDs are the two conflicting statement ids, older first.
	StatementIDs [2]int64 `json:"statement_ids"`

	Type ConflictType `json:"conflict_type"`

	// Topic is the shared topic signature the pair overlapped on.
	Topic string `json:"common_topic"`
}

// Detector finds contradictions among statements sharing a topic.
//
// Detection is pure and read-only. Callers decide remediation, typically by
// marking the older graph edge as disputed and letting the newer statement
// stand.
type Detector struct {
	lexicon   *Lexicon
	threshold float64
}

// NewDetector creates a conflict detector.
//
// Parameters:
//   - lexicon: sentiment/negation vocabulary (nil uses DefaultLexicon)
//   - threshold: minimum topic token overlap ratio in (0,1] for a pair to
//     be considered about the same topic
func NewDetector(lexicon *Lexicon, threshold float64) *Detector {
	if lexicon == nil {
		lexicon = DefaultLexicon()
	}
	if threshold <= 0 {
		threshold = 0.5
	}
	return &Detector{lexicon: lexicon, threshold: threshold}
}

// signature is the per-statement analysis the pair scan works from.
type signature struct {
	id     int64
	topics map[string]bool

	// predicates maps each sentiment predicate lemma found in the statement
	// to whether it was negated.
	predicates map[string]bool

	// polarity is the statement's net affect: +1 positive, -1 negative,
	// 0 neutral. Negation flips the polarity of the predicate it precedes.
	polarity int
}

// Detect scans chronologically ordered statements and returns all
// contradicting pairs. Ties on equal timestamps break by statement id
// ascending.
func (d *Detector) Detect(statements []Statement) []Conflict {
	ordered := make([]Statement, len(statements))
	copy(ordered, statements)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].CreatedAt.Equal(ordered[j].CreatedAt) {
			return ordered[i].ID < ordered[j].ID
		}
		return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
	})

	signatures := make([]signature, len(ordered))
	for i, st := range ordered {
		signatures[i] = d.analyze(st)
	}

	var conflicts []Conflict
	for i := 0; i < len(signatures); i++ {
		for j := i + 1; j < len(signatures); j++ {
			topic, ok := d.sharedTopic(signatures[i], signatures[j])
			if !ok {
				continue
			}

			if ct, found := classify(signatures[i], signatures[j]); found {
				conflicts = append(conflicts, Conflict{
					StatementIDs: [2]int64{signatures[i].id, signatures[j].id},
					Type:         ct,
					Topic:        topic,
				})
			}
		}
	}
	return conflicts
}

// analyze computes the topic signature and sentiment shape of one statement.
func (d *Detector) analyze(st Statement) signature {
	sig := signature{
		id:         st.ID,
		topics:     make(map[string]bool),
		predicates: make(map[string]bool),
	}

	tokens := tokenize(st.Text)
	negated := false
	for _, tok := range tokens {
		if d.lexicon.isNegation(tok) {
			negated = true
			continue
		}

		if d.lexicon.isPositive(tok) {
			sig.predicates[lemma(tok)] = negated
			if negated {
				sig.polarity = -1
			} else {
				sig.polarity = 1
			}
			negated = false
			continue
		}
		if d.lexicon.isNegative(tok) {
			sig.predicates[lemma(tok)] = negated
			if negated {
				sig.polarity = 1
			} else {
				sig.polarity = -1
			}
			negated = false
			continue
		}

		if !d.lexicon.isStopword(tok) {
			sig.topics[tok] = true
		}
		negated = false
	}

	return sig
}

// sharedTopic reports whether two signatures overlap enough to be about the
// same topic, and returns the shared token signature.
func (d *Detector) sharedTopic(a, b signature) (string, bool) {
	if len(a.topics) == 0 || len(b.topics) == 0 {
		return "", false
	}

	var common []string
	for tok := range a.topics {
		if b.topics[tok] {
			common = append(common, tok)
		}
	}
	if len(common) == 0 {
		return "", false
	}

	smaller := len(a.topics)
	if len(b.topics) < smaller {
		smaller = len(b.topics)
	}
	if float64(len(common))/float64(smaller) < d.threshold {
		return "", false
	}

	sort.Strings(common)
	return strings.Join(common, " "), true
}

// classify decides whether two same-topic signatures contradict.
func classify(a, b signature) (ConflictType, bool) {
	// Negation pair: same predicate, exactly one side negated.
	for pred, aNeg := range a.predicates {
		if bNeg, ok := b.predicates[pred]; ok && aNeg != bNeg {
			return ConflictNegation, true
		}
	}

	// Opposite pair: net affect points in opposite directions.
	if a.polarity*b.polarity == -1 {
		return ConflictOpposite, true
	}

	return "", false
}

// tokenize lowercases and splits on non-letter runs, keeping apostrophes so
// contractions like "don't" survive as one token.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && r != '\''
	})
}

// lemma reduces simple inflections so "likes" and "liked" match "like".
func lemma(token string) string {
	if strings.HasSuffix(token, "s") && len(token) > 3 {
		token = token[:len(token)-1]
	}
	if strings.HasSuffix(token, "ed") && len(token) > 4 {
		token = token[:len(token)-1]
	}
	return token
}
