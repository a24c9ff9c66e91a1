package pipeline

import (
	"fmt"
	"math"
)

// DefaultMinAreaRatio drops boxes smaller than 0.3% of the frame
const DefaultMinAreaRatio = 0.003

// FilterDetections drops boxes below the minimum area and maps the rest to
// their bottom-centre point. Overlapping boxes are passed through unchanged.
func FilterDetections(frameWidth, frameHeight int, detections []Detection, minAreaRatio float64) []RepresentativePoint {
	minArea := minAreaRatio * float64(frameWidth) * float64(frameHeight)

	points := make([]RepresentativePoint, 0, len(detections))
	for _, det := range detections {
		if err := ValidateDetection(det); err != nil {
			continue
		}
		box := det.BBox
		if box.Area() < minArea {
			continue
		}
		points = append(points, RepresentativePoint{
			X:   roundHalfEven((float64(box.X1) + float64(box.X2)) / 2),
			Y:   roundHalfEven(float64(box.Y2)),
			Box: box,
		})
	}
	return points
}

// ValidateDetection rejects non-finite or inverted boxes
func ValidateDetection(det Detection) error {
	b := det.BBox
	for _, v := range []float32{b.X1, b.Y1, b.X2, b.Y2} {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w: non-finite coordinate", ErrInvalidDetection)
		}
	}
	if b.X2 < b.X1 || b.Y2 < b.Y1 {
		return fmt.Errorf("%w: inverted box", ErrInvalidDetection)
	}
	return nil
}

// roundHalfEven is the single rounding rule of the package: ties go to the even neighbour
func roundHalfEven(v float64) float64 {
	return math.RoundToEven(v)
}
