// Package dedupe implements the near-duplicate filter: a bounded FIFO of
// recently seen normalized texts rejected by character-trigram Jaccard
// similarity. Grounded on
// original_source/src/llm_generic_bot/core/dedupe.py for the algorithm;
// the bounded FIFO reuses the teacher's github.com/eapache/queue
// dependency (async_producer.go's retryHandler uses the same package as
// an unbounded bridge queue — here it backs a bounded ring instead).
package dedupe

import (
	"regexp"
	"strings"
	"sync"

	"github.com/eapache/queue"
)

const (
	defaultK         = 20
	defaultThreshold = 0.93
	normalizeMaxLen  = 512
)

var whitespaceRun = regexp.MustCompile(`\s+`)

func normalize(s string) string {
	collapsed := whitespaceRun.ReplaceAllString(s, " ")
	collapsed = strings.ToLower(strings.TrimSpace(collapsed))
	if len(collapsed) > normalizeMaxLen {
		collapsed = collapsed[:normalizeMaxLen]
	}
	return collapsed
}

func trigrams(s string) map[string]struct{} {
	n := len(s)
	if n == 0 {
		return nil
	}
	limit := n - 2
	if limit < 1 {
		limit = 1
	}
	grams := make(map[string]struct{}, limit)
	for i := 0; i < limit; i++ {
		end := i + 3
		if end > n {
			end = n
		}
		grams[s[i:end]] = struct{}{}
	}
	return grams
}

// Similarity returns the Jaccard similarity of the character 3-grams of
// the normalized forms of a and b. It fails open (returns 0) when either
// gram-set is empty.
func Similarity(a, b string) float64 {
	setA, setB := trigrams(normalize(a)), trigrams(normalize(b))
	if len(setA) == 0 || len(setB) == 0 {
		return 0.0
	}
	intersection := 0
	for g := range setA {
		if _, ok := setB[g]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0.0
	}
	return float64(intersection) / float64(union)
}

// Filter is the near-duplicate admission filter. Safe for concurrent use.
type Filter struct {
	mu        sync.Mutex
	buf       *queue.Queue
	k         int
	threshold float64
}

// Option configures a Filter at construction.
type Option func(*Filter)

// WithK overrides the default buffer size of 20.
func WithK(k int) Option {
	return func(f *Filter) { f.k = k }
}

// WithThreshold overrides the default similarity threshold of 0.93.
func WithThreshold(threshold float64) Option {
	return func(f *Filter) { f.threshold = threshold }
}

// New returns a Filter with the default K=20, threshold=0.93.
func New(opts ...Option) *Filter {
	f := &Filter{buf: queue.New(), k: defaultK, threshold: defaultThreshold}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Permit returns false iff text's similarity to any buffered text is at
// or above the threshold; otherwise it buffers the normalized text and
// returns true.
func (f *Filter) Permit(text string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i := 0; i < f.buf.Length(); i++ {
		prev := f.buf.Get(i).(string)
		if Similarity(prev, text) >= f.threshold {
			return false
		}
	}

	f.buf.Add(normalize(text))
	for f.buf.Length() > f.k {
		f.buf.Remove()
	}
	return true
}
