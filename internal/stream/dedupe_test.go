package stream

import (
	"strings"
	"testing"
)

func TestTextHashNormalizes(t *testing.T) {
	a := textHash("Hello   World")
	b := textHash("hello world")
	if a != b {
		t.Errorf("hashes differ: %s vs %s", a, b)
	}
	if len(a) != 16 {
		t.Errorf("hash length = %d, want 16", len(a))
	}
	if a == textHash("hello worlds") {
		t.Error("distinct texts must not collide")
	}
}

func TestIsDenyListed(t *testing.T) {
	for _, s := range []string{"Thank you.", "thank you.", "  THANKS FOR WATCHING  ", "you"} {
		if !isDenyListed(s) {
			t.Errorf("isDenyListed(%q) = false", s)
		}
	}
	for _, s := range []string{"thank you for the update", "the meeting starts now"} {
		if isDenyListed(s) {
			t.Errorf("isDenyListed(%q) = true", s)
		}
	}
}

func TestStripOverlapExactRepetition(t *testing.T) {
	committed := "the deploy finished at noon"
	newText := "finished at noon and the team went to lunch quickly"

	got, stripped := stripOverlap(newText, committed)
	if stripped == 0 {
		t.Fatal("expected overlap to be stripped")
	}
	if !strings.Contains(got, "went to lunch") {
		t.Errorf("trimmed text lost new content: %q", got)
	}
	if strings.Contains(got, "noon") {
		t.Errorf("trimmed text kept overlapping words: %q", got)
	}
}

func TestStripOverlapNoOverlap(t *testing.T) {
	got, stripped := stripOverlap("a completely different topic now", "we discussed budgets this morning here")
	if stripped != 0 {
		t.Errorf("stripped %d words from non-overlapping text", stripped)
	}
	if got != "a completely different topic now" {
		t.Errorf("text changed: %q", got)
	}
}

func TestStripOverlapFullRepetition(t *testing.T) {
	committed := "the quarterly numbers look good overall"
	got, stripped := stripOverlap("the quarterly numbers look good", committed)
	if stripped == 0 {
		t.Fatal("expected overlap detection")
	}
	if got != "" {
		t.Errorf("full repetition should strip everything, got %q", got)
	}
}

func TestStripOverlapExactSuffixBeatsFuzzy(t *testing.T) {
	// "today" is new content; a fuzzy head-set match must not swallow it
	// along with the repeated words.
	committed := "hello how are you doing"
	got, stripped := stripOverlap("are you doing today really", committed)
	if stripped != 3 {
		t.Errorf("stripped = %d, want 3", stripped)
	}
	if got != "today really" {
		t.Errorf("got %q, want %q", got, "today really")
	}

	// A two-word exact suffix is stripped even below the fuzzy minimum.
	got, stripped = stripOverlap("today really well thanks", committed+" today really")
	if stripped != 2 || got != "well thanks" {
		t.Errorf("got %q / %d, want %q / 2", got, stripped, "well thanks")
	}
}

func TestStripOverlapShortInputsUntouched(t *testing.T) {
	got, stripped := stripOverlap("ok sure", "ok sure thing boss")
	if stripped != 0 || got != "ok sure" {
		t.Errorf("got %q / %d", got, stripped)
	}
}

func TestNgramOverlapRatio(t *testing.T) {
	committed := "we are going to review the incident timeline step by step"

	if r := ngramOverlapRatio("review the incident timeline step by step", committed); r < 0.9 {
		t.Errorf("repeated text ratio = %f, want near 1", r)
	}
	if r := ngramOverlapRatio("tomorrow we plan the next sprint goals", committed); r != 0 {
		t.Errorf("fresh text ratio = %f, want 0", r)
	}
}

func TestIsNearIdentical(t *testing.T) {
	if !isNearIdentical("The budget is approved.", "the budget is approved") {
		t.Error("case and punctuation variants should match")
	}
	if isNearIdentical("the budget is approved", "the deployment failed again") {
		t.Error("unrelated sentences must not match")
	}
	if isNearIdentical("anything", "") {
		t.Error("empty baseline must not match")
	}
}

func TestDedupeState(t *testing.T) {
	d := newDedupeState()
	if d.isFinalized("hello world") {
		t.Error("fresh state should not report finalized")
	}
	d.markFinalized("hello world")
	if !d.isFinalized("Hello   World") {
		t.Error("normalized variant should be finalized")
	}
	if d.lastFinalText != "hello world" {
		t.Errorf("lastFinalText = %q", d.lastFinalText)
	}
	d.reset()
	if d.isFinalized("hello world") || d.lastFinalText != "" {
		t.Error("reset must clear all dedup memory")
	}
}
