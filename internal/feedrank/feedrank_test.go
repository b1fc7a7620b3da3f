package feedrank

import (
	"fmt"
	"reflect"
	"testing"
	"time"

	"horse.fit/newswire/internal/model"
)

var rankNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func mkStory(id, source string, st model.Status, sources int, updatedAgo time.Duration) model.Story {
	return model.Story{
		ID:            id,
		PrimarySource: source,
		Status:        st,
		SourceCount:   sources,
		LastUpdated:   rankNow.Add(-updatedAgo),
	}
}

func sources(stories []model.Story) []string {
	out := make([]string, len(stories))
	for i, s := range stories {
		out[i] = s.PrimarySource
	}
	return out
}

func hasTripleRun(stories []model.Story) bool {
	for i := 2; i < len(stories); i++ {
		s := stories[i].PrimarySource
		if stories[i-1].PrimarySource == s && stories[i-2].PrimarySource == s {
			return true
		}
	}
	return false
}

func TestRank_BreakingFirstThenRecency(t *testing.T) {
	t.Parallel()

	input := []model.Story{
		mkStory("s1", "bbc", model.StatusDeveloping, 2, 10*time.Minute),
		mkStory("s2", "reuters", model.StatusBreaking, 3, 2*time.Hour),
		mkStory("s3", "ap", model.StatusVerified, 4, 5*time.Minute),
	}
	got := Rank(input)
	want := []string{"s2", "s3", "s1"}
	for i, id := range want {
		if got[i].ID != id {
			t.Fatalf("rank order %v, want %v", ids(got), want)
		}
	}
}

func ids(stories []model.Story) []string {
	out := make([]string, len(stories))
	for i, s := range stories {
		out[i] = s.ID
	}
	return out
}

func TestDiversify_NoThreeConsecutiveSameSource(t *testing.T) {
	t.Parallel()

	input := []model.Story{
		mkStory("s1", "bbc", model.StatusDeveloping, 2, 1*time.Minute),
		mkStory("s2", "bbc", model.StatusDeveloping, 2, 2*time.Minute),
		mkStory("s3", "bbc", model.StatusDeveloping, 2, 3*time.Minute),
		mkStory("s4", "reuters", model.StatusDeveloping, 2, 4*time.Minute),
		mkStory("s5", "ap", model.StatusDeveloping, 2, 5*time.Minute),
	}
	got := Diversify(input)
	if len(got) != len(input) {
		t.Fatalf("diversifier dropped stories: got %d want %d", len(got), len(input))
	}
	if hasTripleRun(got) {
		t.Fatalf("output has three consecutive same-source stories: %v", sources(got))
	}
}

func TestDiversify_Deterministic(t *testing.T) {
	t.Parallel()

	input := []model.Story{
		mkStory("s1", "bbc", model.StatusBreaking, 4, 1*time.Minute),
		mkStory("s2", "bbc", model.StatusDeveloping, 2, 2*time.Minute),
		mkStory("s3", "reuters", model.StatusVerified, 3, 3*time.Minute),
		mkStory("s4", "ap", model.StatusDeveloping, 2, 4*time.Minute),
		mkStory("s5", "bbc", model.StatusDeveloping, 2, 5*time.Minute),
		mkStory("s6", "reuters", model.StatusDeveloping, 2, 6*time.Minute),
	}
	first := Diversify(input)
	for run := 0; run < 10; run++ {
		again := Diversify(input)
		if !reflect.DeepEqual(ids(first), ids(again)) {
			t.Fatalf("run %d differs: %v vs %v", run, ids(first), ids(again))
		}
	}
}

func TestDiversify_PreservesAllStories(t *testing.T) {
	t.Parallel()

	var input []model.Story
	for i := 0; i < 12; i++ {
		src := "bbc"
		if i%4 == 3 {
			src = "reuters"
		}
		input = append(input, mkStory(fmt.Sprintf("s%d", i), src, model.StatusDeveloping, 2, time.Duration(i)*time.Minute))
	}
	got := Diversify(input)
	if len(got) != len(input) {
		t.Fatalf("story count changed: %d -> %d", len(input), len(got))
	}
	seen := make(map[string]bool)
	for _, s := range got {
		if seen[s.ID] {
			t.Fatalf("duplicate story %s in output", s.ID)
		}
		seen[s.ID] = true
	}
}

func TestDiversify_SingleSourceAppendsInOrder(t *testing.T) {
	t.Parallel()

	input := []model.Story{
		mkStory("s1", "bbc", model.StatusDeveloping, 2, 1*time.Minute),
		mkStory("s2", "bbc", model.StatusDeveloping, 2, 2*time.Minute),
		mkStory("s3", "bbc", model.StatusDeveloping, 2, 3*time.Minute),
		mkStory("s4", "bbc", model.StatusDeveloping, 2, 4*time.Minute),
	}
	got := Diversify(input)
	// Only one source: clumping is unavoidable, order must be preserved.
	if !reflect.DeepEqual(ids(got), []string{"s1", "s2", "s3", "s4"}) {
		t.Fatalf("single-source input should pass through in order, got %v", ids(got))
	}
}

func TestDiversify_EmptyAndTiny(t *testing.T) {
	t.Parallel()

	if got := Diversify(nil); len(got) != 0 {
		t.Fatalf("empty input should give empty output")
	}
	two := []model.Story{
		mkStory("s1", "bbc", model.StatusDeveloping, 2, time.Minute),
		mkStory("s2", "bbc", model.StatusDeveloping, 2, 2*time.Minute),
	}
	if got := Diversify(two); !reflect.DeepEqual(ids(got), []string{"s1", "s2"}) {
		t.Fatalf("two-story input should pass through, got %v", ids(got))
	}
}
