package pipeline

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterDetections_MinArea(t *testing.T) {
	dets := []Detection{
		{Class: "person", BBox: BBox{X1: 0, Y1: 0, X2: 1, Y2: 2999}},  // 2999 px
		{Class: "person", BBox: BBox{X1: 0, Y1: 0, X2: 1, Y2: 3001}},  // 3001 px
		{Class: "person", BBox: BBox{X1: 10, Y1: 0, X2: 10, Y2: 900}}, // zero width
	}

	points := FilterDetections(1000, 1000, dets, 0.003)
	require.Len(t, points, 1)
	assert.Equal(t, dets[1].BBox, points[0].Box)
}

func TestFilterDetections_BottomCentre(t *testing.T) {
	tests := []struct {
		name string
		box  BBox
		x, y float64
	}{
		{"integral", BBox{X1: 100, Y1: 50, X2: 200, Y2: 300}, 150, 300},
		{"half rounds to even below", BBox{X1: 100, Y1: 50, X2: 201, Y2: 300.5}, 150, 300},
		{"half rounds to even above", BBox{X1: 100, Y1: 50, X2: 203, Y2: 301.5}, 152, 302},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			points := FilterDetections(1000, 1000, []Detection{{BBox: tt.box}}, 0)
			require.Len(t, points, 1)
			assert.Equal(t, tt.x, points[0].X)
			assert.Equal(t, tt.y, points[0].Y)
		})
	}
}

func TestFilterDetections_KeepsOverlapsAndLowConfidence(t *testing.T) {
	box := BBox{X1: 0, Y1: 0, X2: 100, Y2: 100}
	dets := []Detection{{BBox: box, Confidence: 0.01}, {BBox: box, Confidence: 0.99}}

	assert.Len(t, FilterDetections(1000, 1000, dets, DefaultMinAreaRatio), 2)
}

func TestValidateDetection(t *testing.T) {
	nan := float32(math.NaN())
	inf := float32(math.Inf(1))

	tests := []struct {
		name  string
		box   BBox
		valid bool
	}{
		{"ok", BBox{X1: 0, Y1: 0, X2: 10, Y2: 10}, true},
		{"nan", BBox{X1: nan, Y1: 0, X2: 10, Y2: 10}, false},
		{"inf", BBox{X1: 0, Y1: 0, X2: inf, Y2: 10}, false},
		{"inverted x", BBox{X1: 10, Y1: 0, X2: 0, Y2: 10}, false},
		{"inverted y", BBox{X1: 0, Y1: 10, X2: 10, Y2: 0}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateDetection(Detection{BBox: tt.box})
			if tt.valid {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, ErrInvalidDetection))
			assert.Empty(t, FilterDetections(100, 100, []Detection{{BBox: tt.box}}, 0))
		})
	}
}
