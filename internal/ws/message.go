package ws

import (
	"bytes"
	"encoding/base64"
	"time"

	"github.com/disintegration/imaging"

	"queueguard/internal/pipeline"
)

// QueueMessage is pushed to dashboards after every processed frame
type QueueMessage struct {
	Type        string               `json:"type"` // "queues"
	RunID       string               `json:"run_id"`
	FrameSeq    uint64               `json:"frame_seq"`
	Timestamp   time.Time            `json:"timestamp"`
	Record      pipeline.QueueRecord `json:"record"`
	Zones       []ZoneState          `json:"zones"`
	Window      int                  `json:"window"`
	FrameWidth  int                  `json:"frame_width"`
	FrameHeight int                  `json:"frame_height"`
	Points      [][2]float64         `json:"points"`
	Frame       string               `json:"frame,omitempty"`        // Base64 encoded annotated frame
	FrameFormat string               `json:"frame_format,omitempty"` // "jpeg" or "webp"
}

// ZoneState is the per-queue view of a message
type ZoneState struct {
	Index       int     `json:"index"`
	Label       string  `json:"label"`
	Count       int     `json:"count"`
	RawCount    int     `json:"raw_count"`
	WaitMinutes float64 `json:"wait_minutes"`
}

// MessageOptions control message contents
type MessageOptions struct {
	WaitPerPerson  time.Duration // Wait estimate per person
	ThumbnailWidth int           // Resize frames to this width; 0 sends the full frame
	IncludeFrame   bool
}

// MessageBuilder turns queue results into dashboard messages
type MessageBuilder struct {
	opts MessageOptions
}

// NewMessageBuilder creates a builder
func NewMessageBuilder(opts MessageOptions) *MessageBuilder {
	if opts.WaitPerPerson <= 0 {
		opts.WaitPerPerson = pipeline.DefaultWaitPerPerson
	}
	return &MessageBuilder{opts: opts}
}

// Build creates the message for a result
func (b *MessageBuilder) Build(result *pipeline.QueueResult) *QueueMessage {
	msg := &QueueMessage{
		Type:        "queues",
		RunID:       result.RunID,
		FrameSeq:    result.FrameSeq,
		Timestamp:   result.Timestamp,
		Record:      result.Record,
		Zones:       make([]ZoneState, 0, len(result.Counts)),
		Window:      result.Window,
		FrameWidth:  result.FrameWidth,
		FrameHeight: result.FrameHeight,
		Points:      make([][2]float64, 0, len(result.Points)),
	}

	for i, count := range result.Counts {
		state := ZoneState{
			Index:       i,
			Label:       pipeline.Zone{Index: i}.Label(),
			Count:       count,
			WaitMinutes: pipeline.EstimateWait(count, b.opts.WaitPerPerson).Minutes(),
		}
		if i < len(result.RawCounts) {
			state.RawCount = result.RawCounts[i]
		}
		msg.Zones = append(msg.Zones, state)
	}

	for _, pt := range result.Points {
		msg.Points = append(msg.Points, [2]float64{pt.X, pt.Y})
	}

	if b.opts.IncludeFrame && len(result.ImageData) > 0 {
		data, format := b.thumbnail(result.ImageData, result.ImageFormat)
		msg.Frame = base64.StdEncoding.EncodeToString(data)
		msg.FrameFormat = format
	}
	return msg
}

// thumbnail downsizes a frame; frames that cannot be decoded are sent unchanged
func (b *MessageBuilder) thumbnail(data []byte, format string) ([]byte, string) {
	if b.opts.ThumbnailWidth <= 0 {
		return data, format
	}

	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil || img.Bounds().Dx() <= b.opts.ThumbnailWidth {
		return data, format
	}

	small := imaging.Resize(img, b.opts.ThumbnailWidth, 0, imaging.Lanczos)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, small, imaging.JPEG, imaging.JPEGQuality(75)); err != nil {
		return data, format
	}
	return buf.Bytes(), "jpeg"
}
