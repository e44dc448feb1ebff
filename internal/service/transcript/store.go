// Package transcript reconciles time-ranged recognition fragments into a single
// ordered transcript.
//
// A Store is owned by exactly one conversation and is not safe for concurrent
// use. Callers that share it across goroutines must serialize access themselves.
package transcript

import (
	"sort"
	"strings"
	"time"
)

// Segment is a fragment of recognized speech covering [StartTime, EndTime]
// seconds of the audio stream.
type Segment struct {
	StartTime  float64
	EndTime    float64
	Transcript string
	IsFinal    bool
	// Speaker is empty for undiarized streams.
	Speaker    string
	Confidence float64
	// ReceivedAt is only used for staleness pruning, never for ordering.
	ReceivedAt time.Time
}

// Valid reports whether the segment has a usable time range.
func (s Segment) Valid() bool {
	return s.StartTime >= 0 && s.EndTime >= 0 && s.EndTime >= s.StartTime
}

func (s Segment) sameRange(o Segment) bool {
	return s.StartTime == o.StartTime && s.EndTime == o.EndTime
}

// overlaps reports whether the two ranges share any time. Adjacent ranges
// (one ends exactly where the other starts) do not overlap.
func (s Segment) overlaps(o Segment) bool {
	if s.sameRange(o) {
		return true
	}
	return s.StartTime < o.EndTime && o.StartTime < s.EndTime
}

// Store holds the best current reconstruction of an utterance stream.
type Store struct {
	segments []Segment
	now      func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used for arrival stamps and staleness pruning.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore creates an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Upsert inserts or merges seg and reports whether the store changed.
//
// Rules:
//   - invalid ranges are dropped silently
//   - a final is never replaced or shadowed by a non-final overlapping it
//   - a segment with an identical range replaces the existing one
//   - an incoming final removes every non-final it overlaps
//   - overlapping non-finals with different ranges are both kept
//   - non-overlapping (including adjacent) segments are kept independently
func (s *Store) Upsert(seg Segment) bool {
	if !seg.Valid() {
		return false
	}
	if seg.ReceivedAt.IsZero() {
		seg.ReceivedAt = s.now()
	}

	if !seg.IsFinal {
		for _, existing := range s.segments {
			if existing.IsFinal && existing.overlaps(seg) {
				return false
			}
		}
	}

	kept := make([]Segment, 0, len(s.segments)+1)
	for _, existing := range s.segments {
		if existing.sameRange(seg) {
			continue
		}
		if seg.IsFinal && !existing.IsFinal && existing.overlaps(seg) {
			continue
		}
		kept = append(kept, existing)
	}
	s.segments = append(kept, seg)
	return true
}

// FullTranscript joins all segment texts in start-time order with single
// spaces.
func (s *Store) FullTranscript() string {
	ordered := s.AllOrdered()
	parts := make([]string, 0, len(ordered))
	for _, seg := range ordered {
		if text := strings.TrimSpace(seg.Transcript); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(strings.Fields(strings.Join(parts, " ")), " ")
}

// AllOrdered returns a copy of the stored segments sorted by start time.
func (s *Store) AllOrdered() []Segment {
	out := make([]Segment, len(s.segments))
	copy(out, s.segments)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].StartTime != out[j].StartTime {
			return out[i].StartTime < out[j].StartTime
		}
		return out[i].EndTime < out[j].EndTime
	})
	for i := range out {
		out[i].Transcript = strings.TrimSpace(out[i].Transcript)
	}
	return out
}

// LatestEndTime returns the greatest end time, or false when the store is empty.
func (s *Store) LatestEndTime() (float64, bool) {
	if len(s.segments) == 0 {
		return 0, false
	}
	latest := s.segments[0].EndTime
	for _, seg := range s.segments[1:] {
		if seg.EndTime > latest {
			latest = seg.EndTime
		}
	}
	return latest, true
}

// LatestSpeaker returns the speaker of the labelled segment with the greatest
// end time, or false when no segment carries a label.
func (s *Store) LatestSpeaker() (string, bool) {
	var (
		speaker string
		end     float64
		found   bool
	)
	for _, seg := range s.segments {
		if seg.Speaker == "" {
			continue
		}
		if !found || seg.EndTime > end {
			speaker, end, found = seg.Speaker, seg.EndTime, true
		}
	}
	return speaker, found
}

// HasSegments reports whether anything is stored.
func (s *Store) HasSegments() bool {
	return len(s.segments) > 0
}

// Size returns the number of stored segments.
func (s *Store) Size() int {
	return len(s.segments)
}

// RemoveStale drops every segment received before now-maxAge and returns how
// many were removed.
func (s *Store) RemoveStale(maxAge time.Duration) int {
	cutoff := s.now().Add(-maxAge)
	kept := s.segments[:0]
	removed := 0
	for _, seg := range s.segments {
		if seg.ReceivedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, seg)
	}
	for i := len(kept); i < len(s.segments); i++ {
		s.segments[i] = Segment{}
	}
	s.segments = kept
	return removed
}

// Clear empties the store.
func (s *Store) Clear() {
	s.segments = nil
}
