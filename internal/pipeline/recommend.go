package pipeline

import (
	"fmt"
	"time"
)

// DefaultWaitPerPerson is the dashboard's service-time estimate
const DefaultWaitPerPerson = 2 * time.Minute

// Recommend picks the shortest and longest queues. Ties go to the lowest index.
// When nobody is counted both indices are 0 and the result carries no information.
func Recommend(counts CountVector) Recommendation {
	if len(counts) == 0 {
		return Recommendation{}
	}

	total := counts.Total()
	best, worst := 0, 0
	if total > 0 {
		for i, c := range counts {
			if c < counts[best] {
				best = i
			}
			if c > counts[worst] {
				worst = i
			}
		}
	}

	return Recommendation{
		BestZone:    best,
		WorstZone:   worst,
		TotalPeople: total,
		Text:        fmt.Sprintf("Queue %d is fastest with %d people", best+1, counts[best]),
	}
}

// EstimateWait converts a queue length into an expected wait
func EstimateWait(count int, perPerson time.Duration) time.Duration {
	if perPerson <= 0 {
		perPerson = DefaultWaitPerPerson
	}
	return time.Duration(count) * perPerson
}
