package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRecommend(t *testing.T) {
	tests := []struct {
		name   string
		counts CountVector
		want   Recommendation
	}{
		{
			name:   "first minimum wins",
			counts: CountVector{3, 3, 5},
			want:   Recommendation{BestZone: 0, WorstZone: 2, TotalPeople: 11, Text: "Queue 1 is fastest with 3 people"},
		},
		{
			name:   "first maximum wins",
			counts: CountVector{4, 1, 4},
			want:   Recommendation{BestZone: 1, WorstZone: 0, TotalPeople: 9, Text: "Queue 2 is fastest with 1 people"},
		},
		{
			name:   "nobody counted",
			counts: CountVector{0, 0, 0},
			want:   Recommendation{BestZone: 0, WorstZone: 0, TotalPeople: 0, Text: "Queue 1 is fastest with 0 people"},
		},
		{
			name:   "empty",
			counts: CountVector{},
			want:   Recommendation{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Recommend(tt.counts))
		})
	}
}

func TestNewQueueRecord_OneBased(t *testing.T) {
	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	counts := CountVector{5, 2, 7}

	record := NewQueueRecord(ts, counts, Recommend(counts))
	assert.Equal(t, 3, record.TotalZones)
	assert.Equal(t, 2, record.BestZone)
	assert.Equal(t, 3, record.WorstZone)
	assert.Equal(t, 14, record.TotalPeople)

	// The record owns its counts
	counts[0] = 0
	assert.Equal(t, CountVector{5, 2, 7}, record.Counts)
}

func TestEstimateWait(t *testing.T) {
	assert.Equal(t, 6*time.Minute, EstimateWait(3, 0))
	assert.Equal(t, 90*time.Second, EstimateWait(3, 30*time.Second))
	assert.Equal(t, time.Duration(0), EstimateWait(0, time.Minute))
}
