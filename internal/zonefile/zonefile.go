// Package zonefile reads and writes the polygons.json zone file produced by the drawing tool.
package zonefile

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"queueguard/internal/geometry"
	"queueguard/internal/pipeline"
	"queueguard/internal/publish"
)

// File is the on-disk layout. Polygons are lists of [x, y] pixel vertices.
type File struct {
	VideoPath  string         `json:"video_path"`
	Timestamp  string         `json:"timestamp"`
	QueueCount int            `json:"queue_count"`
	Polygons   [][][2]float64 `json:"polygons"`
}

// Load reads a zone file and validates the zones it describes
func Load(path string) ([]pipeline.Zone, *File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read zone file: %w", err)
	}

	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, nil, fmt.Errorf("failed to parse zone file %s: %w", path, err)
	}

	zones := f.Zones()
	if err := pipeline.ValidateZones(zones); err != nil {
		return nil, &f, err
	}
	return zones, &f, nil
}

// Save writes zones atomically, stamping the given time
func Save(path, videoPath string, zones []pipeline.Zone, now time.Time) error {
	f := New(videoPath, zones, now)
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal zone file: %w", err)
	}
	if err := publish.WriteFileAtomic(path, data); err != nil {
		return fmt.Errorf("failed to write zone file: %w", err)
	}
	return nil
}

// New builds a file from zones
func New(videoPath string, zones []pipeline.Zone, now time.Time) File {
	polys := make([][][2]float64, len(zones))
	for i, z := range zones {
		poly := make([][2]float64, len(z.Polygon))
		for j, p := range z.Polygon {
			poly[j] = [2]float64{p.X, p.Y}
		}
		polys[i] = poly
	}
	return File{
		VideoPath:  videoPath,
		Timestamp:  now.Format(time.RFC3339),
		QueueCount: len(zones),
		Polygons:   polys,
	}
}

// Zones converts the file polygons into indexed zones.
// queue_count is informational; the polygon list is authoritative.
func (f File) Zones() []pipeline.Zone {
	zones := make([]pipeline.Zone, len(f.Polygons))
	for i, poly := range f.Polygons {
		pts := make(geometry.Polygon, len(poly))
		for j, v := range poly {
			pts[j] = geometry.Point{X: v[0], Y: v[1]}
		}
		zones[i] = pipeline.Zone{Index: i, Polygon: pts}
	}
	return zones
}
