// Package align fuses a diarization speaker timeline with a transcript
// timeline. Attribution runs in three tiers, time overlap first, word
// density second, and a low-confidence fallback last; a segment that cannot
// be attributed cleanly is marked rather than guessed. Silence is better
// than wrong attribution.
package align

import (
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/minutehq/minute/pkg/provider/diarize"
)

// Attribution thresholds. ConfidenceThreshold gates Tier 1 results,
// OverlapThreshold normalises overlap ratios into confidences,
// MultiSpeakerThreshold flags simultaneous speech, and WordDensityThreshold
// gates Tier 2.
const (
	ConfidenceThreshold   = 0.6
	OverlapThreshold      = 0.5
	MultiSpeakerThreshold = 0.3
	WordDensityThreshold  = 0.7

	// minOverlapRatio is the floor below which time overlap alone can
	// never yield CONFIDENT.
	minOverlapRatio = 0.6
)

// UnknownSpeaker labels segments no speaker could be attributed to.
const UnknownSpeaker = "Unknown"

// State classifies how trustworthy an attribution is.
type State string

const (
	StateConfident State = "CONFIDENT"
	StateUncertain State = "UNCERTAIN"
	StateOverlap   State = "OVERLAP"
	StateUnknown   State = "UNKNOWN_SPEAKER"
)

// Method records which tier produced the attribution.
type Method string

const (
	MethodTimeOverlap Method = "time_overlap"
	MethodWordDensity Method = "word_density"
	MethodUncertain   Method = "uncertain"
	MethodNoSpeakers  Method = "no_speakers"
)

// Segment is one piece of the text timeline to attribute. Times are seconds.
type Segment struct {
	ID    string  `json:"id,omitempty"`
	Text  string  `json:"text"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// AlignedSegment is a transcript fragment joined with its speaker.
type AlignedSegment struct {
	ID      string  `json:"id"`
	Text    string  `json:"text"`
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Speaker string  `json:"speaker"`

	SpeakerConfidence float64 `json:"speaker_confidence"`
	Method            Method  `json:"alignment_method"`
	State             State   `json:"alignment_state"`
}

// Metrics summarises one batch.
type Metrics struct {
	Total           int            `json:"total"`
	ConfidentCount  int            `json:"confident_count"`
	UncertainCount  int            `json:"uncertain_count"`
	OverlapCount    int            `json:"overlap_count"`
	UnknownCount    int            `json:"unknown_count"`
	AvgConfidence   float64        `json:"avg_confidence"`
	MethodBreakdown map[Method]int `json:"method_breakdown"`
}

// Align attributes a single segment against the speaker timeline.
func Align(seg Segment, speakers []diarize.SpeakerSegment) AlignedSegment {
	out := AlignedSegment{
		ID:    seg.ID,
		Text:  seg.Text,
		Start: seg.Start,
		End:   seg.End,
	}
	if len(speakers) == 0 {
		out.Speaker = UnknownSpeaker
		out.Method = MethodNoSpeakers
		out.State = StateUnknown
		return out
	}

	t1 := timeOverlapTier(seg, speakers)
	if t1.state == StateConfident || t1.state == StateOverlap {
		out.Speaker = t1.speaker
		out.SpeakerConfidence = t1.confidence
		out.Method = MethodTimeOverlap
		out.State = t1.state
		return out
	}

	t2, ok := wordDensityTier(seg, speakers)
	if ok && t2.state == StateConfident {
		out.Speaker = t2.speaker
		out.SpeakerConfidence = t2.confidence
		out.Method = MethodWordDensity
		out.State = StateConfident
		return out
	}

	// Neither tier is sure. Keep the better guess, flagged.
	best := t1
	if ok && t2.confidence > t1.confidence {
		best = t2
	}
	out.Speaker = best.speaker
	if best.confidence == 0 {
		out.Speaker = UnknownSpeaker
	}
	out.SpeakerConfidence = best.confidence
	out.Method = MethodUncertain
	out.State = StateUncertain
	return out
}

type tierResult struct {
	speaker    string
	confidence float64
	state      State
}

// timeOverlapTier attributes by total overlap duration per speaker.
func timeOverlapTier(seg Segment, speakers []diarize.SpeakerSegment) tierResult {
	duration := seg.End - seg.Start
	if duration <= 0 {
		return tierResult{state: StateUncertain}
	}

	overlapBy := make(map[string]float64)
	for _, s := range speakers {
		o := overlap(seg.Start, seg.End, s.Start, s.End)
		if o > 0 {
			overlapBy[s.Speaker] += o
		}
	}
	if len(overlapBy) == 0 {
		return tierResult{state: StateUncertain}
	}

	// Deterministic argmax: later labels win ties, so simultaneous speech
	// with equal coverage resolves to the same speaker every run.
	labels := make([]string, 0, len(overlapBy))
	for l := range overlapBy {
		labels = append(labels, l)
	}
	sort.Strings(labels)

	best, bestOverlap := "", 0.0
	contenders := 0
	for _, l := range labels {
		o := overlapBy[l]
		if o >= bestOverlap {
			best, bestOverlap = l, o
		}
		if o > MultiSpeakerThreshold*duration {
			contenders++
		}
	}

	ratio := bestOverlap / duration
	conf := ratio / OverlapThreshold
	if conf > 1 {
		conf = 1
	}

	res := tierResult{speaker: best, confidence: conf, state: StateUncertain}
	switch {
	case contenders >= 2:
		res.state = StateOverlap
	case conf >= ConfidenceThreshold && ratio >= minOverlapRatio:
		res.state = StateConfident
	}
	return res
}

// wordDensityTier distributes word midpoints uniformly across the segment and
// counts how many fall inside each speaker's intervals. Skipped for segments
// of two words or fewer, where density carries no signal.
func wordDensityTier(seg Segment, speakers []diarize.SpeakerSegment) (tierResult, bool) {
	words := strings.Fields(seg.Text)
	if len(words) <= 2 || seg.End <= seg.Start {
		return tierResult{}, false
	}
	duration := seg.End - seg.Start
	step := duration / float64(len(words))

	countBy := make(map[string]int)
	for i := range words {
		mid := seg.Start + (float64(i)+0.5)*step
		seen := make(map[string]bool)
		for _, s := range speakers {
			if mid >= s.Start && mid <= s.End && !seen[s.Speaker] {
				countBy[s.Speaker]++
				seen[s.Speaker] = true
			}
		}
	}
	if len(countBy) == 0 {
		return tierResult{}, false
	}

	labels := make([]string, 0, len(countBy))
	for l := range countBy {
		labels = append(labels, l)
	}
	sort.Strings(labels)

	best, bestCount := "", 0
	for _, l := range labels {
		if countBy[l] >= bestCount {
			best, bestCount = l, countBy[l]
		}
	}

	conf := float64(bestCount) / float64(len(words))
	res := tierResult{speaker: best, confidence: conf, state: StateUncertain}
	if conf >= WordDensityThreshold {
		res.state = StateConfident
	}
	return res, true
}

func overlap(aStart, aEnd, bStart, bEnd float64) float64 {
	o := min(aEnd, bEnd) - max(aStart, bStart)
	if o < 0 {
		return 0
	}
	return o
}

// AlignBatch attributes every segment and summarises the outcome. Segments
// without an id get a generated one so clients can key on it.
func AlignBatch(segs []Segment, speakers []diarize.SpeakerSegment) ([]AlignedSegment, Metrics) {
	metrics := Metrics{
		Total:           len(segs),
		MethodBreakdown: make(map[Method]int),
	}
	aligned := make([]AlignedSegment, 0, len(segs))

	var confSum float64
	for _, seg := range segs {
		a := Align(seg, speakers)
		if a.ID == "" {
			a.ID = uuid.NewString()
		}
		aligned = append(aligned, a)

		confSum += a.SpeakerConfidence
		metrics.MethodBreakdown[a.Method]++
		switch a.State {
		case StateConfident:
			metrics.ConfidentCount++
		case StateUncertain:
			metrics.UncertainCount++
		case StateOverlap:
			metrics.OverlapCount++
		case StateUnknown:
			metrics.UnknownCount++
		}
	}
	if len(segs) > 0 {
		metrics.AvgConfidence = confSum / float64(len(segs))
	}
	return aligned, metrics
}
