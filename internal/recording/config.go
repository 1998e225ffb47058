package recording

import (
	"strings"
	"time"
)

const (
	EncodingOpus = "audio/ogg; codecs=opus"
	EncodingVP8  = "video/x-ivf; codecs=vp8"

	DefaultAudioBitsPerSecond = 128_000
	DefaultVideoBitsPerSecond = 2_500_000
	DefaultTimeslice          = time.Second
	DefaultStopTimeout        = 4 * time.Second
)

type Config struct {
	Audio              bool          `mapstructure:"audio"`
	Video              bool          `mapstructure:"video"`
	Encoding           string        `mapstructure:"encoding"`
	AudioBitsPerSecond int           `mapstructure:"audio_bps"`
	VideoBitsPerSecond int           `mapstructure:"video_bps"`
	Timeslice          time.Duration `mapstructure:"timeslice"`
	StopTimeout        time.Duration `mapstructure:"stop_timeout"`
}

func (c Config) withDefaults() Config {
	if !c.Audio && !c.Video {
		c.Audio = true
	}
	if c.Encoding == "" {
		if c.Video {
			c.Encoding = EncodingVP8
		} else {
			c.Encoding = EncodingOpus
		}
	}
	if c.AudioBitsPerSecond <= 0 {
		c.AudioBitsPerSecond = DefaultAudioBitsPerSecond
	}
	if c.VideoBitsPerSecond <= 0 {
		c.VideoBitsPerSecond = DefaultVideoBitsPerSecond
	}
	if c.Timeslice <= 0 {
		c.Timeslice = DefaultTimeslice
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	return c
}

// Codec extracts the codecs parameter of an encoding, "" when absent.
func Codec(encoding string) string {
	for _, part := range strings.Split(encoding, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if ok && strings.EqualFold(k, "codecs") {
			return strings.Trim(v, `"`)
		}
	}
	return ""
}

// BaseType strips parameters from an encoding.
func BaseType(encoding string) string {
	base, _, _ := strings.Cut(encoding, ";")
	return strings.TrimSpace(base)
}
