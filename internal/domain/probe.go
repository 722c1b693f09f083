package domain

import (
	"fmt"
	"strconv"
)

type ProbeFormat struct {
	FormatName string `json:"format_name"`
	Duration   string `json:"duration"`
	BitRate    string `json:"bit_rate"`
	NbStreams  int    `json:"nb_streams"`
}

type ProbeStream struct {
	Index        int    `json:"index"`
	CodecType    string `json:"codec_type"`
	CodecName    string `json:"codec_name"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	RFrameRate   string `json:"r_frame_rate"`
	AvgFrameRate string `json:"avg_frame_rate"`
	Duration     string `json:"duration"`
	NbFrames     string `json:"nb_frames"`
}

// ProbeResult mirrors the subset of ffprobe's JSON output the analyzer uses.
type ProbeResult struct {
	Format  ProbeFormat   `json:"format"`
	Streams []ProbeStream `json:"streams"`
}

func (p *ProbeResult) VideoStream() *ProbeStream {
	for i := range p.Streams {
		if p.Streams[i].CodecType == "video" {
			return &p.Streams[i]
		}
	}
	return nil
}

func (p *ProbeResult) Dimensions() (width, height int) {
	vs := p.VideoStream()
	if vs != nil {
		return vs.Width, vs.Height
	}
	return 0, 0
}

// Meta summarises the probe for inclusion in an analysis result. The
// stream duration wins over the container duration when both are present.
func (p *ProbeResult) Meta() *VideoMeta {
	vs := p.VideoStream()
	if vs == nil {
		return nil
	}
	duration := ParseDuration(vs.Duration)
	if duration == 0 {
		duration = ParseDuration(p.Format.Duration)
	}
	fps := ParseFrameRate(vs.AvgFrameRate)
	if fps == 0 {
		fps = ParseFrameRate(vs.RFrameRate)
	}
	return &VideoMeta{
		DurationSeconds: duration,
		Width:           vs.Width,
		Height:          vs.Height,
		FrameRate:       fps,
	}
}

func ParseFrameRate(fraction string) float64 {
	if fraction == "" || fraction == "0/0" {
		return 0
	}
	var num, den int
	if _, err := fmt.Sscanf(fraction, "%d/%d", &num, &den); err == nil && den > 0 {
		return float64(num) / float64(den)
	}
	return 0
}

func ParseDuration(durationStr string) float64 {
	if durationStr == "" || durationStr == "N/A" {
		return 0
	}
	duration, err := strconv.ParseFloat(durationStr, 64)
	if err != nil {
		return 0
	}
	return duration
}
