// Package feedrank orders the client-facing feed: breaking first, fresh
// first, then a greedy re-ordering that stops one source from monopolizing
// consecutive slots. Pure and deterministic.
package feedrank

import (
	"sort"

	"horse.fit/newswire/internal/model"
)

// maxConsecutiveSameSource is the clumping bound: the diversifier never emits
// a third consecutive story from the same primary source while an alternative
// exists.
const maxConsecutiveSameSource = 2

// Rank sorts stories for the feed: BREAKING above everything, then most
// recently updated first. Ties break on id for determinism.
func Rank(stories []model.Story) []model.Story {
	out := make([]model.Story, len(stories))
	copy(out, stories)
	sort.Slice(out, func(i, j int) bool {
		bi := out[i].Status == model.StatusBreaking
		bj := out[j].Status == model.StatusBreaking
		if bi != bj {
			return bi
		}
		if !out[i].LastUpdated.Equal(out[j].LastUpdated) {
			return out[i].LastUpdated.After(out[j].LastUpdated)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Diversify re-orders ranked candidates so no three consecutive stories share
// a primary source. Candidates that would clump are deferred and re-tried
// after any cross-source pick; if only clumping candidates remain, they are
// appended in order rather than dropped.
//
// Among currently eligible candidates, the one whose source has the least
// verification-weighted presence in the output wins; earlier rank breaks
// ties, so the function is deterministic for a fixed input.
func Diversify(candidates []model.Story) []model.Story {
	if len(candidates) <= maxConsecutiveSameSource {
		out := make([]model.Story, len(candidates))
		copy(out, candidates)
		return out
	}

	type slot struct {
		story model.Story
		rank  int
	}
	remaining := make([]slot, len(candidates))
	for i, s := range candidates {
		remaining[i] = slot{story: s, rank: i}
	}

	out := make([]model.Story, 0, len(candidates))
	sourceWeight := make(map[string]int)

	blockedSource := func() string {
		n := len(out)
		if n < maxConsecutiveSameSource {
			return ""
		}
		last := out[n-1].PrimarySource
		if out[n-2].PrimarySource == last {
			return last
		}
		return ""
	}

	for len(remaining) > 0 {
		blocked := blockedSource()

		bestIdx := -1
		for i, cand := range remaining {
			if cand.story.PrimarySource == blocked {
				continue
			}
			if bestIdx == -1 {
				bestIdx = i
				continue
			}
			best := remaining[bestIdx]
			cw := sourceWeight[cand.story.PrimarySource]
			bw := sourceWeight[best.story.PrimarySource]
			if cw < bw || (cw == bw && cand.rank < best.rank) {
				bestIdx = i
			}
		}

		if bestIdx == -1 {
			// Everything left would clump; keep them in rank order rather
			// than starving the feed.
			for _, cand := range remaining {
				out = append(out, cand.story)
			}
			break
		}

		chosen := remaining[bestIdx].story
		out = append(out, chosen)
		sourceWeight[chosen.PrimarySource] += verificationWeight(chosen)
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}

	return out
}

// verificationWeight makes well-corroborated stories count more toward their
// source's presence, pushing that source's further entries down the feed.
func verificationWeight(s model.Story) int {
	switch {
	case s.SourceCount >= 4:
		return 3
	case s.SourceCount >= 2:
		return 2
	default:
		return 1
	}
}
