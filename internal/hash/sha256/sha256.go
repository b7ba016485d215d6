// Package sha256 fingerprints captured text and scores how far two
// captures of the same page drifted apart.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/JakeFAU/sitecorpus/internal/corpus"
)

// DefaultThreshold is the similarity below which a change is significant.
const DefaultThreshold = 0.95

// Hasher implements corpus.ChangeDetector using SHA-256 over normalized text.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Normalize canonicalizes text so that cosmetic differences (Unicode forms,
// line endings, runs of whitespace, letter case) hash identically.
func (h *Hasher) Normalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = norm.NFKC.String(text)
	// cases.Caser is stateful, so each call gets its own.
	text = cases.Fold().String(text)
	return strings.Join(strings.Fields(text), " ")
}

// Hash returns the hex SHA-256 digest of the normalized text.
func (h *Hasher) Hash(text string) string {
	sum := sha256.Sum256([]byte(h.Normalize(text)))
	return hex.EncodeToString(sum[:])
}

// Similarity returns the weighted Jaccard coefficient of the word bags of a
// and b. Two texts without any words are identical.
func (h *Hasher) Similarity(a, b string) float64 {
	left := h.bag(a)
	right := h.bag(b)
	if len(left) == 0 && len(right) == 0 {
		return 1
	}

	var minSum, maxSum int
	for tok, l := range left {
		r := right[tok]
		minSum += min(l, r)
		maxSum += max(l, r)
	}
	for tok, r := range right {
		if _, seen := left[tok]; !seen {
			maxSum += r
		}
	}
	if maxSum == 0 {
		return 1
	}
	return float64(minSum) / float64(maxSum)
}

// HasChangedSignificantly compares freshly captured text against the stored
// copy. A missing stored copy always counts as changed.
func (h *Hasher) HasChangedSignificantly(newText string, oldText *string, threshold float64) corpus.Change {
	digest := h.Hash(newText)
	if oldText == nil {
		return corpus.Change{Changed: true, Digest: digest}
	}
	if digest == h.Hash(*oldText) {
		return corpus.Change{Changed: false, Digest: digest, Similarity: 1}
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	sim := h.Similarity(newText, *oldText)
	return corpus.Change{Changed: sim < threshold, Digest: digest, Similarity: sim}
}

func (h *Hasher) bag(text string) map[string]int {
	words := strings.FieldsFunc(h.Normalize(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	counts := make(map[string]int, len(words))
	for _, w := range words {
		counts[w]++
	}
	return counts
}
