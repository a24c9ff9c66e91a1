package pipeline

import (
	"fmt"

	"queueguard/internal/geometry"
)

// ValidateZones rejects lists that cannot be counted against
func ValidateZones(zones []Zone) error {
	if len(zones) == 0 {
		return &ConfigurationError{Zone: -1, Reason: "no queue zones defined"}
	}
	for i, z := range zones {
		if len(z.Polygon) < 3 {
			return &ConfigurationError{Zone: i, Reason: fmt.Sprintf("polygon has %d points, need at least 3", len(z.Polygon))}
		}
	}
	return nil
}

// NewZones builds an indexed zone list from raw polygons
func NewZones(polygons []geometry.Polygon) []Zone {
	zones := make([]Zone, len(polygons))
	for i, poly := range polygons {
		zones[i] = Zone{Index: i, Polygon: poly}
	}
	return zones
}

// Label returns the operator-facing name of the zone
func (z Zone) Label() string {
	return fmt.Sprintf("Q%d", z.Index+1)
}

// AssignZones counts each point against the first zone that contains it.
// Overlapping zones credit the earliest one; points outside every zone are dropped.
func AssignZones(zones []Zone, points []RepresentativePoint) CountVector {
	counts := make(CountVector, len(zones))
	for _, pt := range points {
		p := pt.Point()
		for i, z := range zones {
			if z.Polygon.Contains(p) {
				counts[i]++
				break
			}
		}
	}
	return counts
}
