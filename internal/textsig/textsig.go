// Package textsig computes the two clustering signals: a compact event
// fingerprint that collides across paraphrases of the same headline, and a
// weighted similarity score between two headlines. Both functions are pure.
package textsig

import (
	"crypto/md5"
	"encoding/hex"
	"sort"
	"strings"
	"unicode"
)

const (
	fingerprintTokens = 5
	fingerprintHexLen = 8

	jaccardWeight   = 0.4
	keywordWeight   = 0.4
	substringWeight = 0.2
)

// stopWords covers the usual articles and prepositions plus the reporting
// verbs headlines swap freely ("X announces Y" vs "Y unveiled by X").
var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "and": {}, "or": {}, "but": {},
	"in": {}, "on": {}, "at": {}, "to": {}, "for": {}, "of": {},
	"with": {}, "by": {}, "from": {}, "as": {}, "is": {}, "are": {},
	"was": {}, "were": {}, "be": {}, "been": {}, "has": {}, "have": {},
	"had": {}, "will": {}, "would": {}, "its": {}, "it": {}, "this": {},
	"that": {}, "after": {}, "over": {}, "into": {}, "amid": {},
	"announces": {}, "announced": {}, "reveals": {}, "revealed": {},
	"unveils": {}, "unveiled": {}, "says": {}, "said": {},
	"reports": {}, "reported": {}, "confirms": {}, "confirmed": {},
	"denies": {}, "denied": {}, "plans": {}, "planned": {},
}

// Fingerprint reduces a title to an 8-hex-char key. Tokens are lowercased,
// stripped of punctuation, filtered of stop words and short words, sorted
// lexicographically (so word order is irrelevant), truncated to the first
// five, and MD5-hashed.
func Fingerprint(title string) string {
	tokens := keywordTokens(title)
	sort.Strings(tokens)
	if len(tokens) > fingerprintTokens {
		tokens = tokens[:fingerprintTokens]
	}
	sum := md5.Sum([]byte(strings.Join(tokens, " ")))
	return hex.EncodeToString(sum[:])[:fingerprintHexLen]
}

// Similarity scores two titles in [0, 1] as a weighted blend of exact keyword
// overlap, stem-tolerant keyword overlap, and substring overlap over all
// tokens. Overlap fractions are taken against the smaller set: headlines are
// short, and a union denominator punishes a four-word title for not repeating
// a five-word one.
func Similarity(a, b string) float64 {
	if normalize(a) == normalize(b) {
		return 1.0
	}

	kwA := tokenSet(keywordTokens(a))
	kwB := tokenSet(keywordTokens(b))
	tokensA := tokenSet(tokenize(a))
	tokensB := tokenSet(tokenize(b))

	j := exactOverlap(kwA, kwB)
	k := substringOverlap(kwA, kwB)
	s := substringOverlap(tokensA, tokensB)

	return jaccardWeight*j + keywordWeight*k + substringWeight*s
}

// exactOverlap is the fraction of the smaller set present verbatim in the
// larger set.
func exactOverlap(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for tok := range b {
		if _, ok := a[tok]; ok {
			inter++
		}
	}
	return float64(inter) / float64(min(len(a), len(b)))
}

// substringOverlap is the fraction of tokens in the smaller set that appear as
// a substring of any token in the larger set, or vice versa. Catches stem
// variants like "earthquake"/"quake" that exact matching misses.
func substringOverlap(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	frac := func(from, into map[string]struct{}) float64 {
		matched := 0
		for tok := range from {
			for other := range into {
				if strings.Contains(other, tok) || strings.Contains(tok, other) {
					matched++
					break
				}
			}
		}
		return float64(matched) / float64(len(from))
	}
	fa := frac(a, b)
	fb := frac(b, a)
	if fa > fb {
		return fa
	}
	return fb
}

// keywordTokens is the fingerprint tokenization: normalized tokens with stop
// words removed and short tokens dropped.
func keywordTokens(title string) []string {
	var out []string
	for _, tok := range tokenize(title) {
		if len(tok) <= 3 {
			continue
		}
		out = append(out, tok)
	}
	return out
}

// tokenize lowercases, strips punctuation, splits on whitespace, and removes
// stop words.
func tokenize(text string) []string {
	fields := strings.Fields(normalize(text))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if _, stop := stopWords[f]; stop {
			continue
		}
		out = append(out, f)
	}
	return out
}

func normalize(text string) string {
	var sb strings.Builder
	sb.Grow(len(text))
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			sb.WriteRune(r)
		case unicode.IsSpace(r):
			sb.WriteRune(' ')
		default:
			// Punctuation splits tokens rather than gluing them together.
			sb.WriteRune(' ')
		}
	}
	return strings.TrimSpace(sb.String())
}

func tokenSet(tokens []string) map[string]struct{} {
	set := make(map[string]struct{}, len(tokens))
	for _, tok := range tokens {
		set[tok] = struct{}{}
	}
	return set
}
