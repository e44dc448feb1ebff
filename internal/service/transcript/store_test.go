package transcript

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seg(start, end float64, text string, final bool) Segment {
	return Segment{StartTime: start, EndTime: end, Transcript: text, IsFinal: final}
}

func TestStore_DisjointSegmentsAnyOrder(t *testing.T) {
	segments := []Segment{
		seg(0, 1, "the", true),
		seg(1, 2, "quick", false),
		seg(2.5, 3, " brown ", true),
		seg(3.2, 4, "fox", false),
		seg(5, 6, "jumps", true),
	}

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 20; i++ {
		shuffled := append([]Segment(nil), segments...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })

		s := NewStore()
		for _, sg := range shuffled {
			require.True(t, s.Upsert(sg))
		}
		assert.Equal(t, "the quick brown fox jumps", s.FullTranscript())
		assert.Equal(t, len(segments), s.Size())
	}
}

func TestStore_RejectsInvalidRanges(t *testing.T) {
	tests := []struct {
		name string
		seg  Segment
	}{
		{"end before start", seg(2, 1, "x", true)},
		{"negative start", seg(-1, 1, "x", false)},
		{"negative end", seg(0, -0.5, "x", false)},
		{"both negative", seg(-2, -1, "x", true)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStore()
			s.Upsert(seg(0, 1, "kept", true))

			assert.False(t, s.Upsert(tt.seg))
			assert.Equal(t, 1, s.Size())
			assert.Equal(t, "kept", s.FullTranscript())
		})
	}
}

func TestStore_ZeroLengthSegmentIsValid(t *testing.T) {
	s := NewStore()
	assert.True(t, s.Upsert(seg(1, 1, "blip", false)))
	assert.Equal(t, 1, s.Size())
}

func TestStore_FinalRemovesOverlappingPartials(t *testing.T) {
	s := NewStore()
	s.Upsert(seg(0, 0.4, "hel", false))
	s.Upsert(seg(0.2, 0.9, "hello wor", false))
	s.Upsert(seg(1.5, 2, "later", false))

	require.True(t, s.Upsert(seg(0, 1, "hello world", true)))

	ordered := s.AllOrdered()
	require.Len(t, ordered, 2)
	assert.Equal(t, "hello world", ordered[0].Transcript)
	assert.True(t, ordered[0].IsFinal)
	assert.Equal(t, "later", ordered[1].Transcript)
}

func TestStore_FinalRemovesContainedPartial(t *testing.T) {
	s := NewStore()
	s.Upsert(seg(0.3, 0.6, "inner", false))

	s.Upsert(seg(0, 1, "outer final", true))

	assert.Equal(t, 1, s.Size())
	assert.Equal(t, "outer final", s.FullTranscript())
}

func TestStore_FinalRemovesContainingPartial(t *testing.T) {
	s := NewStore()
	s.Upsert(seg(0, 2, "long partial", false))

	s.Upsert(seg(0.5, 1, "short final", true))

	assert.Equal(t, 1, s.Size())
	assert.Equal(t, "short final", s.FullTranscript())
}

func TestStore_PartialNeverShadowsFinal(t *testing.T) {
	tests := []struct {
		name    string
		partial Segment
	}{
		{"identical range", seg(0, 1, "downgrade", false)},
		{"overlapping", seg(0.5, 1.5, "overlap", false)},
		{"contained", seg(0.2, 0.8, "inside", false)},
		{"containing", seg(0, 3, "around", false)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStore()
			s.Upsert(seg(0, 1, "final text", true))

			assert.False(t, s.Upsert(tt.partial))
			ordered := s.AllOrdered()
			require.Len(t, ordered, 1)
			assert.Equal(t, "final text", ordered[0].Transcript)
			assert.True(t, ordered[0].IsFinal)
		})
	}
}

func TestStore_SameRangeReplacement(t *testing.T) {
	s := NewStore()
	s.Upsert(seg(0, 1, "first guess", false))
	s.Upsert(seg(0, 1, "second guess", false))

	assert.Equal(t, 1, s.Size())
	assert.Equal(t, "second guess", s.FullTranscript())

	s.Upsert(seg(0, 1, "final one", true))
	s.Upsert(seg(0, 1, "final two", true))

	assert.Equal(t, 1, s.Size())
	assert.Equal(t, "final two", s.FullTranscript())
}

func TestStore_AdjacentSegmentsKept(t *testing.T) {
	s := NewStore()
	s.Upsert(seg(0, 1, "left", false))
	s.Upsert(seg(1, 2, "right", true))
	s.Upsert(seg(2, 3, "after", false))

	assert.Equal(t, 3, s.Size())
	assert.Equal(t, "left right after", s.FullTranscript())
}

func TestStore_OverlappingFinalsBothKept(t *testing.T) {
	s := NewStore()
	s.Upsert(seg(0, 1, "one", true))
	s.Upsert(seg(0.5, 1.5, "two", true))

	assert.Equal(t, 2, s.Size())
}

func TestStore_OverlappingPartialsBothKept(t *testing.T) {
	s := NewStore()
	s.Upsert(seg(0, 1, "hello", false))
	assert.True(t, s.Upsert(seg(0.5, 1.5, "world", false)))

	assert.Equal(t, 2, s.Size())
	assert.Equal(t, "hello world", s.FullTranscript())

	s.Upsert(seg(0, 1.5, "hello world", true))
	assert.Equal(t, 1, s.Size())
	assert.Equal(t, "hello world", s.FullTranscript())
}

func TestStore_PartialCorrectionsCollapseIntoFinal(t *testing.T) {
	s := NewStore()
	s.Upsert(seg(0, 0.3, "Bon", false))
	s.Upsert(seg(0, 0.6, "Bonjour", false))
	s.Upsert(seg(0, 0.9, "Bonjour je", false))
	s.Upsert(seg(0, 1.2, "Bonjour je suis", false))
	s.Upsert(seg(0, 1.6, "Bonjour je suis Pierre", true))

	assert.Equal(t, 1, s.Size())
	assert.Equal(t, "Bonjour je suis Pierre", s.FullTranscript())
}

func TestStore_FullTranscriptCollapsesWhitespace(t *testing.T) {
	s := NewStore()
	s.Upsert(seg(1, 2, "  world \t again ", true))
	s.Upsert(seg(0, 1, "hello\n\nthere", true))
	s.Upsert(seg(3, 4, "   ", true))

	assert.Equal(t, "hello there world again", s.FullTranscript())
}

func TestStore_LatestEndTime(t *testing.T) {
	s := NewStore()
	_, ok := s.LatestEndTime()
	assert.False(t, ok)

	s.Upsert(seg(0, 2.5, "a", true))
	s.Upsert(seg(3, 4, "b", false))
	s.Upsert(seg(2.5, 3, "c", true))

	end, ok := s.LatestEndTime()
	require.True(t, ok)
	assert.Equal(t, 4.0, end)
}

func TestStore_LatestSpeaker(t *testing.T) {
	s := NewStore()
	_, ok := s.LatestSpeaker()
	assert.False(t, ok)

	s.Upsert(seg(0, 1, "unlabelled", true))
	_, ok = s.LatestSpeaker()
	assert.False(t, ok)

	s.Upsert(Segment{StartTime: 1, EndTime: 2, Transcript: "a", IsFinal: true, Speaker: "alice"})
	s.Upsert(Segment{StartTime: 2, EndTime: 3, Transcript: "b", IsFinal: true, Speaker: "bob"})
	s.Upsert(Segment{StartTime: 3, EndTime: 5, Transcript: "c", IsFinal: true})

	speaker, ok := s.LatestSpeaker()
	require.True(t, ok)
	assert.Equal(t, "bob", speaker)
}

func TestStore_RemoveStale(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := NewStore(WithClock(func() time.Time { return now }))

	s.Upsert(Segment{StartTime: 2, EndTime: 3, Transcript: "fresh", ReceivedAt: now.Add(-time.Second)})
	s.Upsert(Segment{StartTime: 0, EndTime: 1, Transcript: "old", ReceivedAt: now.Add(-10 * time.Second)})
	s.Upsert(Segment{StartTime: 4, EndTime: 5, Transcript: "edge", ReceivedAt: now.Add(-5 * time.Second)})
	s.Upsert(Segment{StartTime: 6, EndTime: 7, Transcript: "stamped"})

	removed := s.RemoveStale(5 * time.Second)

	assert.Equal(t, 1, removed)
	assert.Equal(t, "fresh edge stamped", s.FullTranscript())

	now = now.Add(time.Minute)
	assert.Equal(t, 3, s.RemoveStale(5*time.Second))
	assert.False(t, s.HasSegments())
}

func TestStore_Clear(t *testing.T) {
	s := NewStore()
	s.Upsert(seg(0, 1, "a", true))
	require.True(t, s.HasSegments())

	s.Clear()

	assert.False(t, s.HasSegments())
	assert.Equal(t, 0, s.Size())
	assert.Equal(t, "", s.FullTranscript())
}

func TestStore_AllOrderedReturnsCopy(t *testing.T) {
	s := NewStore()
	s.Upsert(seg(0, 1, "a", true))

	ordered := s.AllOrdered()
	ordered[0].Transcript = "mutated"

	assert.Equal(t, "a", s.FullTranscript())
}
