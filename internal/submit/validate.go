package submit

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/jo-hoe/clipwatch/internal/api"
	"github.com/jo-hoe/clipwatch/internal/jobs"
)

var (
	ErrEmptyURL       = errors.New("url is required")
	ErrInvalidURL     = errors.New("invalid YouTube URL")
	ErrInvalidOptions = errors.New("invalid options")
	ErrEmptyBatch     = jobs.ErrEmptyBatch
	ErrBatchTooLarge  = jobs.ErrBatchTooLarge
)

// Processing limits enforced by the service.
const (
	DefaultClipCount    = 3
	MaxClipCount        = 10
	DefaultClipDuration = 40
	MinClipDuration     = 15
	MaxClipDuration     = 90
)

var (
	videoIDPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?:youtube\.com/watch\?v=|youtu\.be/)([^&\n?#]+)`),
		regexp.MustCompile(`youtube\.com/embed/([^&\n?#]+)`),
		regexp.MustCompile(`youtube\.com/v/([^&\n?#]+)`),
		regexp.MustCompile(`youtube\.com/shorts/([^&\n?#]+)`),
		regexp.MustCompile(`youtube\.com/live/([^&\n?#]+)`),
	}

	platforms      = []string{"youtube", "tiktok", "instagram"}
	detectionModes = []string{"smart", "quick", "even"}
	subtitleStyles = []string{"standard", "highlight"}
)

// ValidateURL checks that raw is a recognized video URL and returns its video id.
func ValidateURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrEmptyURL
	}
	if _, err := url.Parse(raw); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	for _, re := range videoIDPatterns {
		if m := re.FindStringSubmatch(raw); m != nil {
			return m[1], nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrInvalidURL, raw)
}

// Options are the user-facing processing options. Zero values take the service defaults.
type Options struct {
	ClipCount          int    `json:"clipCount,omitempty"`
	ClipDuration       int    `json:"clipDuration,omitempty"`
	Platform           string `json:"platform,omitempty"`
	DetectionMode      string `json:"detectionMode,omitempty"`
	UseSmartDetection  *bool  `json:"useSmartDetection,omitempty"` // legacy switch, used when DetectionMode is empty
	EnableSubtitles    bool   `json:"enableSubtitles,omitempty"`
	SubtitleStyle      string `json:"subtitleStyle,omitempty"`
	EnableFaceTracking bool   `json:"enableFaceTracking,omitempty"`
}

// Validate reports every invalid option at once.
func (o Options) Validate() error {
	_, err := o.Resolve()
	return err
}

// Resolve applies defaults, validates and returns the wire options.
func (o Options) Resolve() (api.JobOptions, error) {
	var problems []string

	clipCount := o.ClipCount
	if clipCount == 0 {
		clipCount = DefaultClipCount
	}
	if clipCount < 1 || clipCount > MaxClipCount {
		problems = append(problems, fmt.Sprintf("clipCount must be between 1 and %d", MaxClipCount))
	}

	clipDuration := o.ClipDuration
	if clipDuration == 0 {
		clipDuration = DefaultClipDuration
	}
	if clipDuration < MinClipDuration || clipDuration > MaxClipDuration {
		problems = append(problems, fmt.Sprintf("clipDuration must be between %d and %d", MinClipDuration, MaxClipDuration))
	}

	platform := strings.ToLower(strings.TrimSpace(o.Platform))
	if platform == "" {
		platform = platforms[0]
	}
	if !contains(platforms, platform) {
		problems = append(problems, "platform must be one of: "+strings.Join(platforms, ", "))
	}

	mode := strings.ToLower(strings.TrimSpace(o.DetectionMode))
	if mode == "" {
		mode = "smart"
		if o.UseSmartDetection != nil && !*o.UseSmartDetection {
			mode = "quick"
		}
	}
	if !contains(detectionModes, mode) {
		problems = append(problems, "detectionMode must be one of: "+strings.Join(detectionModes, ", "))
	}

	style := strings.ToLower(strings.TrimSpace(o.SubtitleStyle))
	if style == "" {
		style = "highlight"
	}
	if !contains(subtitleStyles, style) {
		problems = append(problems, "subtitleStyle must be one of: "+strings.Join(subtitleStyles, ", "))
	}

	if len(problems) > 0 {
		return api.JobOptions{}, fmt.Errorf("%w: %s", ErrInvalidOptions, strings.Join(problems, ", "))
	}

	smart := mode == "smart"
	return api.JobOptions{
		ClipCount:          clipCount,
		ClipDuration:       clipDuration,
		Platform:           platform,
		UseSmartDetection:  &smart,
		DetectionMode:      mode,
		EnableSubtitles:    &o.EnableSubtitles,
		SubtitleStyle:      style,
		EnableFaceTracking: &o.EnableFaceTracking,
	}, nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
