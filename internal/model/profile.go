package model

import (
	"fmt"
	"regexp"
)

const (
	DefaultVideoCodec = "libx264"
	DefaultAudioCodec = "aac"

	minHeight = 144
	maxHeight = 4320
	maxWidth  = 7680
)

var (
	videoCodecs = map[string]bool{"libx264": true, "libx265": true, "libvpx-vp9": true}
	audioCodecs = map[string]bool{"aac": true, "libopus": true, "copy": true}
	presets     = map[string]bool{
		"ultrafast": true, "superfast": true, "veryfast": true, "faster": true, "fast": true,
		"medium": true, "slow": true, "slower": true, "veryslow": true,
	}
	bitrateRe = regexp.MustCompile(`^[0-9]+[kKmM]?$`)
)

// Profile holds the target encoding parameters for a job.
// A zero Width keeps the source aspect ratio.
type Profile struct {
	Height       int    `json:"height"`
	Width        int    `json:"width,omitempty"`
	VideoCodec   string `json:"videoCodec,omitempty"`
	VideoBitrate string `json:"videoBitrate,omitempty"`
	AudioCodec   string `json:"audioCodec,omitempty"`
	AudioBitrate string `json:"audioBitrate,omitempty"`
	Preset       string `json:"preset,omitempty"`
}

// WithDefaults fills in codecs left empty by the submitter.
func (p Profile) WithDefaults() Profile {
	if p.VideoCodec == "" {
		p.VideoCodec = DefaultVideoCodec
	}
	if p.AudioCodec == "" {
		p.AudioCodec = DefaultAudioCodec
	}
	return p
}

// Validate checks that the profile can be turned into an ffmpeg
// invocation. Empty codecs are accepted and defaulted later.
func (p Profile) Validate() error {
	if p.Height == 0 {
		return &ValidationError{Field: "profile.height", Message: "profile.height is required"}
	}
	if p.Height < minHeight || p.Height > maxHeight {
		return &ValidationError{
			Field:   "profile.height",
			Message: fmt.Sprintf("profile.height must be between %d and %d", minHeight, maxHeight),
		}
	}
	if p.Width != 0 && (p.Width < minHeight || p.Width > maxWidth) {
		return &ValidationError{
			Field:   "profile.width",
			Message: fmt.Sprintf("profile.width must be 0 or between %d and %d", minHeight, maxWidth),
		}
	}
	if p.VideoCodec != "" && !videoCodecs[p.VideoCodec] {
		return &ValidationError{Field: "profile.videoCodec", Message: "unsupported video codec: " + p.VideoCodec}
	}
	if p.AudioCodec != "" && !audioCodecs[p.AudioCodec] {
		return &ValidationError{Field: "profile.audioCodec", Message: "unsupported audio codec: " + p.AudioCodec}
	}
	if p.VideoBitrate != "" && !bitrateRe.MatchString(p.VideoBitrate) {
		return &ValidationError{Field: "profile.videoBitrate", Message: "invalid bitrate: " + p.VideoBitrate}
	}
	if p.AudioBitrate != "" && !bitrateRe.MatchString(p.AudioBitrate) {
		return &ValidationError{Field: "profile.audioBitrate", Message: "invalid bitrate: " + p.AudioBitrate}
	}
	if p.Preset != "" && !presets[p.Preset] {
		return &ValidationError{Field: "profile.preset", Message: "unknown preset: " + p.Preset}
	}
	return nil
}
