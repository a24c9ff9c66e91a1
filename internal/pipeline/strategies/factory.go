package strategies

import (
	"fmt"

	"queueguard/internal/pipeline"
)

// Create builds a sampling strategy from the pipeline configuration
func Create(config pipeline.PipelineConfig) (pipeline.SamplingStrategy, error) {
	switch config.SamplingMode {
	case "", pipeline.SamplingModeEveryNth:
		return NewEveryNthStrategy(config.SampleEvery), nil

	case pipeline.SamplingModeInterval:
		return NewIntervalStrategy(config.SampleInterval), nil

	default:
		return nil, fmt.Errorf("unknown sampling mode: %s", config.SamplingMode)
	}
}
