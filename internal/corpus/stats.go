package corpus

import "math"

// JobStats is the typed statistics block persisted with a job.
type JobStats struct {
	Categories CategoryStats   `json:"categories"`
	Similarity SimilarityStats `json:"similarity"`
	// MissCounts maps a miss-count value to the number of pages holding it
	// after the run.
	MissCounts map[int]int     `json:"miss_counts,omitempty"`
	Heal       HealStats       `json:"heal"`
	Refresh    RefreshStats    `json:"refresh"`
	Index      IndexStats      `json:"index"`
}

// CategoryStats counts the reconciliation categories.
type CategoryStats struct {
	New      int `json:"new"`
	Existing int `json:"existing"`
	Missing  int `json:"missing"`
}

// HealStats counts the self-healing outcomes.
type HealStats struct {
	Requeued  int `json:"requeued"`
	Refetched int `json:"refetched"`
	Recovered int `json:"recovered"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// RefreshStats counts the outcomes of re-fetching existing active pages.
type RefreshStats struct {
	Unchanged int `json:"unchanged"`
	Changed   int `json:"changed"`
	Gone      int `json:"gone"`
	Rescued   int `json:"rescued"`
	Failed    int `json:"failed"`
}

// IndexStats counts the indexing outcomes.
type IndexStats struct {
	Uploaded   int `json:"uploaded"`
	Resumed    int `json:"resumed"`
	Retired    int `json:"retired"`
	Tombstoned int `json:"tombstoned"`
	Pending    int `json:"pending"`
	Failed     int `json:"failed"`
}

// Similarity histogram bucket labels, keyed by lower bound.
var similarityBuckets = []struct {
	lower float64
	label string
}{
	{0.99, ">=0.99"},
	{0.95, "0.95-0.99"},
	{0.90, "0.90-0.95"},
	{0.80, "0.80-0.90"},
	{0.50, "0.50-0.80"},
	{0, "<0.50"},
}

// SimilarityStats summarizes similarity scores computed during a run.
type SimilarityStats struct {
	Count   int            `json:"count"`
	Min     float64        `json:"min"`
	Max     float64        `json:"max"`
	Mean    float64        `json:"mean"`
	Buckets map[string]int `json:"buckets,omitempty"`
}

// Observe folds one score into the summary.
func (s *SimilarityStats) Observe(v float64) {
	if s.Buckets == nil {
		s.Buckets = make(map[string]int)
	}
	if s.Count == 0 {
		s.Min, s.Max = v, v
	} else {
		s.Min = math.Min(s.Min, v)
		s.Max = math.Max(s.Max, v)
	}
	s.Mean += (v - s.Mean) / float64(s.Count+1)
	s.Count++
	for _, b := range similarityBuckets {
		if v >= b.lower {
			s.Buckets[b.label]++
			return
		}
	}
}

// ObserveMissCount records the post-run miss-count of one page.
func (s *JobStats) ObserveMissCount(n int) {
	if s.MissCounts == nil {
		s.MissCounts = make(map[int]int)
	}
	s.MissCounts[n]++
}

func (s JobStats) clone() JobStats {
	cp := s
	if s.MissCounts != nil {
		cp.MissCounts = make(map[int]int, len(s.MissCounts))
		for k, v := range s.MissCounts {
			cp.MissCounts[k] = v
		}
	}
	if s.Similarity.Buckets != nil {
		cp.Similarity.Buckets = make(map[string]int, len(s.Similarity.Buckets))
		for k, v := range s.Similarity.Buckets {
			cp.Similarity.Buckets[k] = v
		}
	}
	return cp
}
