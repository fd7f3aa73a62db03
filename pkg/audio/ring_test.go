package audio_test

import (
	"testing"

	"github.com/minutehq/minute/pkg/audio"
)

func TestRollingBufferTriggerEveryS(t *testing.T) {
	// Window of 10 samples, slide of 4.
	b := audio.NewRollingBuffer(10, 4)

	if b.AddSamples([]int16{1, 2, 3}) {
		t.Fatal("trigger before S samples accumulated")
	}
	if !b.AddSamples([]int16{4}) {
		t.Fatal("expected trigger at S samples")
	}
	// Counter must reset after a trigger.
	if b.AddSamples([]int16{5, 6, 7}) {
		t.Fatal("trigger fired again before another S samples")
	}
	if !b.AddSamples([]int16{8}) {
		t.Fatal("expected second trigger")
	}
}

func TestRollingBufferWindowZeroPadsHead(t *testing.T) {
	b := audio.NewRollingBuffer(6, 2)
	b.AddSamples([]int16{7, 8})

	w := b.Window()
	if len(w) != 6 {
		t.Fatalf("window length %d, want 6", len(w))
	}
	want := []int16{0, 0, 0, 0, 7, 8}
	for i := range want {
		if w[i] != want[i] {
			t.Fatalf("window = %v, want %v", w, want)
		}
	}
}

func TestRollingBufferEmptyWindowIsAllZeros(t *testing.T) {
	b := audio.NewRollingBuffer(8, 2)
	for i, s := range b.Window() {
		if s != 0 {
			t.Fatalf("sample %d = %d, want 0", i, s)
		}
	}
}

func TestRollingBufferKeepsLatestW(t *testing.T) {
	b := audio.NewRollingBuffer(4, 2)
	b.AddSamples([]int16{1, 2, 3, 4, 5, 6})

	w := b.Window()
	want := []int16{3, 4, 5, 6}
	for i := range want {
		if w[i] != want[i] {
			t.Fatalf("window = %v, want %v", w, want)
		}
	}
}

func TestRollingBufferViability(t *testing.T) {
	b := audio.NewRollingBuffer(100, 10)
	b.AddSamples(make([]int16, 89))
	if b.IsViable() {
		t.Fatal("viable below 90% fill")
	}
	b.AddSamples(make([]int16, 1))
	if !b.IsViable() {
		t.Fatal("not viable at 90% fill")
	}
}

func TestRollingBufferClear(t *testing.T) {
	b := audio.NewRollingBuffer(10, 5)
	b.AddSamples([]int16{1, 2, 3})
	b.Clear()
	if b.Fill() != 0 || b.BufferDurationMS() != 0 {
		t.Fatal("clear did not reset state")
	}
	// After clear the window is silence again.
	for _, s := range b.Window() {
		if s != 0 {
			t.Fatal("window not zeroed after clear")
		}
	}
}

func TestRollingBufferAllSamplesBytesNoPadding(t *testing.T) {
	b := audio.NewRollingBuffer(10, 5)
	b.AddSamples([]int16{1, 2, 3})
	if got := len(b.AllSamplesBytes()); got != 6 {
		t.Fatalf("AllSamplesBytes length %d, want 6 (no padding)", got)
	}
}
