package stream

import (
	"crypto/md5"
	"encoding/hex"
	"strings"

	"github.com/antzucaro/matchr"
)

// Duplicate suppression for overlapping transcription windows. Successive
// windows share up to two thirds of their audio, so the same sentence comes
// back again and again in slightly different renderings; the stages below
// drop or trim it before it reaches the client.

// denyList holds normalized Whisper hallucinations: phrases the model
// produces from silence or music. An exact normalized match drops the text.
var denyList = map[string]struct{}{
	"you":                          {},
	"you.":                         {},
	"thank you":                    {},
	"thank you.":                   {},
	"thanks for watching":          {},
	"thanks for watching.":         {},
	"thank you for watching":       {},
	"thank you for watching.":      {},
	"subscribe to my channel":      {},
	"please subscribe":             {},
	"foreign":                      {},
	"bye":                          {},
	"bye.":                         {},
	"hmm":                          {},
	"mm-hmm":                       {},
	"uh":                           {},
	"so":                           {},
	"the":                          {},
	"okay":                         {},
	"sous-titres realises para la communaute d'amara.org": {},
	"subtitles by the amara.org community":                {},
}

const (
	// overlapSimilarity is the Jaccard threshold for treating a k-word head
	// as a repetition of the committed tail.
	overlapSimilarity = 0.5

	// ngramDupRatio drops text whose 3-grams mostly already appear in the
	// committed tail.
	ngramDupRatio = 0.35

	// similarityDupThreshold drops text nearly identical to the previous
	// final under Jaro-Winkler, catching one-character rerenders that
	// hashing misses.
	similarityDupThreshold = 0.92

	// minExactOverlap is the shortest exact suffix/prefix run worth
	// stripping. Two words is already an unlikely accident at a window
	// boundary; one is not.
	minExactOverlap = 2

	// tailWords bounds how far back overlap stripping looks.
	tailWords = 50

	// ngramTailWords bounds the n-gram comparison window.
	ngramTailWords = 100
)

// normalizeText lowercases and collapses whitespace for hashing and
// deny-list comparison.
func normalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// textHash returns the first 16 hex characters of the MD5 of the normalized
// text. Collisions across one meeting's segments are not a realistic
// concern at this length.
func textHash(s string) string {
	sum := md5.Sum([]byte(normalizeText(s)))
	return hex.EncodeToString(sum[:])[:16]
}

// isDenyListed reports whether the normalized text is a known hallucination.
func isDenyListed(s string) bool {
	_, ok := denyList[normalizeText(s)]
	return ok
}

// jaccard computes set similarity over lowercased words.
func jaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(a))
	for _, w := range a {
		set[strings.ToLower(w)] = struct{}{}
	}
	inter := 0
	union := len(set)
	seen := make(map[string]struct{}, len(b))
	for _, w := range b {
		lw := strings.ToLower(w)
		if _, dup := seen[lw]; dup {
			continue
		}
		seen[lw] = struct{}{}
		if _, ok := set[lw]; ok {
			inter++
		} else {
			union++
		}
	}
	return float64(inter) / float64(union)
}

// stripOverlap removes from the head of newText the words already present at
// the end of the committed transcript. An exact suffix/prefix alignment is
// tried first, longest run wins; it is the common case for adjacent windows
// and the only stage precise enough to strip short overlaps. The fuzzy stage
// then tries overlap sizes from min(20, n/2+5) down to 3, comparing the head
// against every window in the committed tail, and strips the largest size
// whose Jaccard similarity reaches the threshold. Returns the trimmed text
// and the number of words stripped; an empty result means the whole text was
// overlap.
func stripOverlap(newText, committed string) (string, int) {
	newWords := strings.Fields(newText)
	tail := strings.Fields(committed)
	if len(tail) > tailWords {
		tail = tail[len(tail)-tailWords:]
	}
	if len(newWords) == 0 || len(tail) == 0 {
		return newText, 0
	}

	for k := min(len(newWords), len(tail)); k >= minExactOverlap; k-- {
		if wordsEqualFold(newWords[:k], tail[len(tail)-k:]) {
			return strings.TrimSpace(strings.Join(newWords[k:], " ")), k
		}
	}

	if len(newWords) < 3 || len(tail) < 3 {
		return newText, 0
	}

	maxK := min(20, len(newWords)/2+5)
	if maxK > len(newWords) {
		maxK = len(newWords)
	}
	for k := maxK; k >= 3; k-- {
		if k > len(tail) {
			continue
		}
		head := newWords[:k]
		matched := jaccard(head, tail[len(tail)-k:]) >= overlapSimilarity
		for i := 0; !matched && i+k <= len(tail); i++ {
			matched = jaccard(head, tail[i:i+k]) >= overlapSimilarity
		}
		if matched {
			rest := strings.TrimSpace(strings.Join(newWords[k:], " "))
			return rest, k
		}
	}
	return newText, 0
}

// wordsEqualFold reports whether two equal-length word slices match ignoring
// case.
func wordsEqualFold(a, b []string) bool {
	for i := range a {
		if !strings.EqualFold(a[i], b[i]) {
			return false
		}
	}
	return true
}

// ngrams returns the set of n-word shingles of the normalized text.
func ngrams(s string, n int) map[string]struct{} {
	words := strings.Fields(strings.ToLower(s))
	out := make(map[string]struct{})
	for i := 0; i+n <= len(words); i++ {
		out[strings.Join(words[i:i+n], " ")] = struct{}{}
	}
	return out
}

// ngramOverlapRatio returns |new ∩ tail| / |new| over 3-grams, where tail is
// the last ngramTailWords words of the committed transcript.
func ngramOverlapRatio(newText, committed string) float64 {
	tail := strings.Fields(committed)
	if len(tail) > ngramTailWords {
		tail = tail[len(tail)-ngramTailWords:]
	}
	newSet := ngrams(newText, 3)
	if len(newSet) == 0 {
		return 0
	}
	tailSet := ngrams(strings.Join(tail, " "), 3)
	inter := 0
	for g := range newSet {
		if _, ok := tailSet[g]; ok {
			inter++
		}
	}
	return float64(inter) / float64(len(newSet))
}

// isNearIdentical reports whether two texts are the same sentence under
// Jaro-Winkler, ignoring case and whitespace differences.
func isNearIdentical(a, b string) bool {
	na, nb := normalizeText(a), normalizeText(b)
	if na == "" || nb == "" {
		return false
	}
	return matchr.JaroWinkler(na, nb, false) >= similarityDupThreshold
}

// dedupeState is the per-session memory of everything already committed.
type dedupeState struct {
	finalizedHashes map[string]struct{}
	lastFinalText   string
}

func newDedupeState() *dedupeState {
	return &dedupeState{finalizedHashes: make(map[string]struct{})}
}

func (d *dedupeState) isFinalized(text string) bool {
	_, ok := d.finalizedHashes[textHash(text)]
	return ok
}

func (d *dedupeState) markFinalized(text string) {
	d.finalizedHashes[textHash(text)] = struct{}{}
	d.lastFinalText = text
}

func (d *dedupeState) reset() {
	d.finalizedHashes = make(map[string]struct{})
	d.lastFinalText = ""
}
