package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"

	"github.com/makeasinger/jobengine/internal/model"
)

// ErrProbeUnavailable is returned when the media inspection binary cannot be run
var ErrProbeUnavailable = errors.New("media inspection unavailable")

// Extractor reads technical attributes from a media file
type Extractor interface {
	Extract(ctx context.Context, path string) (model.TechnicalMetadata, error)
}

// FFprobeExtractor runs ffprobe and decodes its JSON report
type FFprobeExtractor struct {
	Binary string
}

// NewFFprobeExtractor creates an extractor; an empty binary means "ffprobe" on PATH
func NewFFprobeExtractor(binary string) *FFprobeExtractor {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		binary = "ffprobe"
	}
	return &FFprobeExtractor{Binary: binary}
}

// Extract inspects path with ffprobe
func (e *FFprobeExtractor) Extract(ctx context.Context, path string) (model.TechnicalMetadata, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return model.TechnicalMetadata{}, errors.New("ffprobe inspect: empty path")
	}

	cmd := exec.CommandContext(ctx, e.Binary, "-v", "error", "-hide_banner", "-show_format", "-show_streams", "-of", "json", "--", path)
	output, err := cmd.Output()
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return model.TechnicalMetadata{}, fmt.Errorf("%w: %v", ErrProbeUnavailable, err)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return model.TechnicalMetadata{}, fmt.Errorf("ffprobe inspect: %w: %s", err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return model.TechnicalMetadata{}, fmt.Errorf("ffprobe inspect: %w", err)
	}
	return parseProbe(output)
}

type probeResult struct {
	Streams []probeStream `json:"streams"`
	Format  probeFormat   `json:"format"`
}

type probeStream struct {
	CodecName    string `json:"codec_name"`
	CodecType    string `json:"codec_type"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	AvgFrameRate string `json:"avg_frame_rate"`
	RFrameRate   string `json:"r_frame_rate"`
	Duration     string `json:"duration"`
}

type probeFormat struct {
	Duration   string `json:"duration"`
	Size       string `json:"size"`
	BitRate    string `json:"bit_rate"`
	FormatName string `json:"format_name"`
}

func parseProbe(output []byte) (model.TechnicalMetadata, error) {
	var res probeResult
	if err := json.Unmarshal(output, &res); err != nil {
		return model.TechnicalMetadata{}, fmt.Errorf("ffprobe parse: %w", err)
	}

	meta := model.TechnicalMetadata{
		Duration: parseFloat(res.Format.Duration),
		Size:     int64(parseFloat(res.Format.Size)),
		BitRate:  int64(parseFloat(res.Format.BitRate)),
		Format:   res.Format.FormatName,
	}
	for _, s := range res.Streams {
		switch strings.ToLower(s.CodecType) {
		case "video":
			if meta.VideoCodec != "" {
				continue
			}
			meta.VideoCodec = s.CodecName
			meta.Width = s.Width
			meta.Height = s.Height
			meta.FrameRate = parseRate(s.AvgFrameRate)
			if meta.FrameRate == 0 {
				meta.FrameRate = parseRate(s.RFrameRate)
			}
			if meta.Duration == 0 {
				meta.Duration = parseFloat(s.Duration)
			}
		case "audio":
			if meta.AudioCodec == "" {
				meta.AudioCodec = s.CodecName
			}
		}
	}
	return meta, nil
}

func parseFloat(value string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	return v
}

// parseRate decodes ffprobe rationals such as "30000/1001"
func parseRate(value string) float64 {
	num, den, ok := strings.Cut(strings.TrimSpace(value), "/")
	if !ok {
		return parseFloat(value)
	}
	n, d := parseFloat(num), parseFloat(den)
	if d == 0 {
		return 0
	}
	return math.Round(n/d*1000) / 1000
}
