package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFrameRate(t *testing.T) {
	tests := []struct {
		input string
		want  float64
	}{
		{"30/1", 30},
		{"30000/1001", 29.97002997},
		{"0/0", 0},
		{"", 0},
		{"garbage", 0},
		{"25/0", 0},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.InDelta(t, tt.want, ParseFrameRate(tt.input), 0.0001)
		})
	}
}

func TestParseDuration(t *testing.T) {
	assert.Equal(t, 12.5, ParseDuration("12.5"))
	assert.Equal(t, 0.0, ParseDuration("N/A"))
	assert.Equal(t, 0.0, ParseDuration(""))
	assert.Equal(t, 0.0, ParseDuration("abc"))
}

func TestProbeResult_Meta(t *testing.T) {
	probe := &ProbeResult{
		Format: ProbeFormat{Duration: "61.2"},
		Streams: []ProbeStream{
			{CodecType: "audio"},
			{CodecType: "video", Width: 1920, Height: 1080, AvgFrameRate: "0/0", RFrameRate: "60/1"},
		},
	}

	meta := probe.Meta()
	require.NotNil(t, meta)
	assert.Equal(t, 1920, meta.Width)
	assert.Equal(t, 1080, meta.Height)
	assert.Equal(t, 61.2, meta.DurationSeconds)
	assert.Equal(t, 60.0, meta.FrameRate)

	w, h := probe.Dimensions()
	assert.Equal(t, 1920, w)
	assert.Equal(t, 1080, h)
}

func TestProbeResult_MetaWithoutVideo(t *testing.T) {
	probe := &ProbeResult{Streams: []ProbeStream{{CodecType: "audio"}}}
	assert.Nil(t, probe.Meta())
	w, h := probe.Dimensions()
	assert.Zero(t, w)
	assert.Zero(t, h)
}
