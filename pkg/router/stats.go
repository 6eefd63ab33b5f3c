package router

import (
	"sort"
	"time"
)

// statsWindow is how far back the variable traffic statistics reach.
const statsWindow = 5 * time.Minute

// statsCapacity caps the sample ring regardless of window.
const statsCapacity = 100000

type statSample struct {
	keyword string
	at      time.Time
}

// VariableStats is a bounded ring of recent keyword sightings, used by
// the status display to show what is actually flowing.
type VariableStats struct {
	window  time.Duration
	samples []statSample
}

// KeywordCount pairs a keyword with how often it was seen in the window.
type KeywordCount struct {
	Keyword string
	Count   int
}

// NewVariableStats creates an empty stats ring covering the window.
func NewVariableStats(window time.Duration) *VariableStats {
	return &VariableStats{window: window}
}

// Record notes one sighting of a keyword. Caller holds the router lock.
func (s *VariableStats) Record(keyword string, at time.Time) {
	s.samples = append(s.samples, statSample{keyword: keyword, at: at})
	if len(s.samples) > statsCapacity {
		s.samples = s.samples[len(s.samples)-statsCapacity:]
	}
}

// TrimBefore drops samples older than the cutoff.
func (s *VariableStats) TrimBefore(cutoff time.Time) {
	first := sort.Search(len(s.samples), func(i int) bool {
		return s.samples[i].at.After(cutoff)
	})
	if first > 0 {
		s.samples = append([]statSample(nil), s.samples[first:]...)
	}
}

// Total returns the number of samples currently held.
func (s *VariableStats) Total() int {
	return len(s.samples)
}

// Top returns the n most frequent keywords in the window.
func (s *VariableStats) Top(n int) []KeywordCount {
	counts := make(map[string]int)
	for _, sample := range s.samples {
		counts[sample.keyword]++
	}
	out := make([]KeywordCount, 0, len(counts))
	for k, c := range counts {
		out = append(out, KeywordCount{Keyword: k, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Keyword < out[j].Keyword
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}
