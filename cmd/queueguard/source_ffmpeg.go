//go:build !gocv

package main

import (
	"queueguard/internal/config"
	"queueguard/internal/pipeline"
)

func newFrameSource(cfg config.Config) pipeline.FrameSource {
	return pipeline.NewFFmpegFrameSource(cfg.FFmpegSourceConfig())
}
