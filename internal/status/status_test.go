package status

import (
	"testing"
	"time"

	"horse.fit/newswire/internal/model"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func story(sourceCount int, lastSourceAdded time.Time) model.Story {
	return model.Story{
		ID:                "story_test",
		Title:             "Major earthquake hits California coast",
		SourceCount:       sourceCount,
		LastUpdated:       lastSourceAdded,
		LastSourceAddedAt: lastSourceAdded,
		Status:            model.StatusMonitoring,
	}
}

func TestEvaluate_StatusTable(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name        string
		sourceCount int
		addedAgo    time.Duration
		want        model.Status
	}{
		{"single source monitors", 1, time.Minute, model.StatusMonitoring},
		{"two sources develop", 2, time.Minute, model.StatusDeveloping},
		{"three recent sources break", 3, 10 * time.Minute, model.StatusBreaking},
		{"exactly at window still breaking", 3, 30 * time.Minute, model.StatusBreaking},
		{"three stale sources verify", 3, 45 * time.Minute, model.StatusVerified},
		{"many stale sources verify", 7, 2 * time.Hour, model.StatusVerified},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s := story(tc.sourceCount, testNow.Add(-tc.addedAgo))
			if got := Evaluate(s, testNow, DefaultBreakingWindow); got != tc.want {
				t.Fatalf("got %s want %s", got, tc.want)
			}
		})
	}
}

func TestApply_SetsBreakingDetectedAt(t *testing.T) {
	t.Parallel()

	var fired []string
	tr := &Transitioner{
		BreakingWindow: DefaultBreakingWindow,
		OnBreaking:     func(s model.Story) { fired = append(fired, s.ID) },
	}

	s := story(3, testNow.Add(-5*time.Minute))
	s.Status = model.StatusDeveloping

	if changed := tr.Apply(&s, testNow); !changed {
		t.Fatalf("expected transition to BREAKING")
	}
	if s.Status != model.StatusBreaking {
		t.Fatalf("status = %s, want BREAKING", s.Status)
	}
	if s.BreakingDetectedAt == nil || !s.BreakingDetectedAt.Equal(testNow) {
		t.Fatalf("breaking_detected_at not set to now: %v", s.BreakingDetectedAt)
	}
	if len(fired) != 1 || fired[0] != s.ID {
		t.Fatalf("breaking hook fired %v, want exactly once for %s", fired, s.ID)
	}
}

func TestApply_Idempotent(t *testing.T) {
	t.Parallel()

	hookCalls := 0
	tr := &Transitioner{OnBreaking: func(model.Story) { hookCalls++ }}

	s := story(3, testNow.Add(-5*time.Minute))
	s.Status = model.StatusDeveloping

	if !tr.Apply(&s, testNow) {
		t.Fatalf("first apply should transition")
	}
	detected := *s.BreakingDetectedAt
	if tr.Apply(&s, testNow.Add(time.Minute)) {
		t.Fatalf("second apply should be a no-op")
	}
	if !s.BreakingDetectedAt.Equal(detected) {
		t.Fatalf("breaking_detected_at changed on no-op apply")
	}
	if hookCalls != 1 {
		t.Fatalf("hook fired %d times, want 1", hookCalls)
	}
}

func TestApply_LeavingBreakingKeepsTimestamp(t *testing.T) {
	t.Parallel()

	tr := &Transitioner{}
	s := story(3, testNow.Add(-5*time.Minute))
	s.Status = model.StatusDeveloping
	tr.Apply(&s, testNow)

	later := testNow.Add(time.Hour)
	if !tr.Apply(&s, later) {
		t.Fatalf("expected transition to VERIFIED")
	}
	if s.Status != model.StatusVerified {
		t.Fatalf("status = %s, want VERIFIED", s.Status)
	}
	if s.BreakingDetectedAt == nil {
		t.Fatalf("breaking_detected_at must survive leaving BREAKING")
	}
}

func TestSignificance_TimeFactor(t *testing.T) {
	t.Parallel()

	fresh := story(3, testNow.Add(-10*time.Minute))
	stale := story(3, testNow.Add(-8*time.Hour))

	title := "Entirely different development reported overseas"
	if Significance(fresh, title, testNow) >= Significance(stale, title, testNow) {
		t.Fatalf("stale story should score higher significance than fresh one")
	}
}

func TestSignificance_NoveltyFactor(t *testing.T) {
	t.Parallel()

	title := "Entirely different development reported overseas"
	first := story(1, testNow.Add(-10*time.Minute))
	tenth := story(10, testNow.Add(-10*time.Minute))
	if Significance(first, title, testNow) <= Significance(tenth, title, testNow) {
		t.Fatalf("early corroboration should outscore late corroboration")
	}
}

func TestSignificance_InfoFactorPenalizesNearDuplicates(t *testing.T) {
	t.Parallel()

	s := story(3, testNow.Add(-10*time.Minute))
	dup := Significance(s, s.Title, testNow)
	novel := Significance(s, "Tsunami warning issued after offshore tremor", testNow)
	if dup >= novel {
		t.Fatalf("near-duplicate title should not outscore novel title: %f >= %f", dup, novel)
	}
}

func TestSignificance_Bounded(t *testing.T) {
	t.Parallel()

	s := story(1, testNow.Add(-12*time.Hour))
	got := Significance(s, "something else entirely", testNow)
	if got < 0 || got > 1 {
		t.Fatalf("significance out of range: %f", got)
	}
}

func TestSignificance_QuietAddStaysBelowBumpThreshold(t *testing.T) {
	t.Parallel()

	// Fresh story, near-duplicate title, late corroboration: every factor at
	// its minimum. 0.4*0.2 + 0.4*0.2 + 0.2*0.3 = 0.22.
	s := story(10, testNow.Add(-10*time.Minute))
	got := Significance(s, s.Title, testNow)
	if got > 0.5 {
		t.Fatalf("minor update scored %f, should not exceed bump threshold", got)
	}
}
