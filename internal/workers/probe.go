package workers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
)

// probeResult is the subset of ffprobe's JSON output the pipeline reads.
type probeResult struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
		CodecName string `json:"codec_name"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// avFacts are the audio/video facts extracted from a probe.
type avFacts struct {
	Width      int
	Height     int
	DurationMS int64
	VideoCodec string
	AudioCodec string
}

// ffprobeFile probes a local media file through the ffprobe CLI.
func ffprobeFile(ctx context.Context, ffprobePath, path string) (*avFacts, error) {
	cmd := exec.CommandContext(ctx, ffprobePath,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffprobe failed: %w", err)
	}

	var result probeResult
	if err := json.Unmarshal(out.Bytes(), &result); err != nil {
		return nil, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}

	facts := &avFacts{}
	for _, s := range result.Streams {
		switch s.CodecType {
		case "video":
			if facts.VideoCodec == "" {
				facts.VideoCodec = s.CodecName
				facts.Width = s.Width
				facts.Height = s.Height
			}
		case "audio":
			if facts.AudioCodec == "" {
				facts.AudioCodec = s.CodecName
			}
		}
	}
	if seconds, err := strconv.ParseFloat(result.Format.Duration, 64); err == nil {
		facts.DurationMS = int64(seconds * 1000)
	}

	return facts, nil
}
