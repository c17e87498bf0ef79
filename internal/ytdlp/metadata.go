package ytdlp

import (
	"strconv"
	"strings"

	"github.com/samber/lo"
)

// Metadata is the descriptive information a probe extracts from a source.
type Metadata struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Uploader   string `json:"uploader"`
	Duration   string `json:"duration"`
	Thumbnail  string `json:"thumbnail"`
	WebpageURL string `json:"webpage_url"`
	Extractor  string `json:"extractor"`
}

// YtdlpOutput represents the JSON output from yt-dlp --dump-json
type YtdlpOutput struct {
	ID             string  `json:"id"`
	Title          string  `json:"title"`
	FullTitle      string  `json:"fulltitle"`
	Uploader       string  `json:"uploader"`
	Channel        string  `json:"channel"`
	Duration       float64 `json:"duration"`
	DurationString string  `json:"duration_string"`
	Thumbnail      string  `json:"thumbnail"`
	Thumbnails     []Thumb `json:"thumbnails"`
	WebpageURL     string  `json:"webpage_url"`
	Extractor      string  `json:"extractor"`
	ExtractorKey   string  `json:"extractor_key"`
}

// Thumb represents a thumbnail entry
type Thumb struct {
	URL        string `json:"url"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	Preference int    `json:"preference"`
}

// ToMetadata converts YtdlpOutput to Metadata
func (o *YtdlpOutput) ToMetadata() *Metadata {
	m := &Metadata{
		ID:         o.ID,
		Title:      o.Title,
		Uploader:   o.Uploader,
		Duration:   formatDuration(o.DurationString, o.Duration),
		Thumbnail:  o.Thumbnail,
		WebpageURL: o.WebpageURL,
		Extractor:  o.Extractor,
	}

	if m.Title == "" {
		m.Title = o.FullTitle
	}
	if m.Uploader == "" {
		m.Uploader = o.Channel
	}

	// Use the largest thumbnail if the top-level one is missing
	if m.Thumbnail == "" && len(o.Thumbnails) > 0 {
		candidates := lo.Filter(o.Thumbnails, func(t Thumb, _ int) bool { return t.URL != "" })
		if len(candidates) > 0 {
			best := lo.MaxBy(candidates, func(a, b Thumb) bool {
				return a.Width*a.Height > b.Width*b.Height
			})
			m.Thumbnail = best.URL
		}
	}

	return m
}

// formatDuration prefers yt-dlp's own "h:mm:ss" rendering and falls back
// to whole seconds.
func formatDuration(durationString string, seconds float64) string {
	if s := strings.TrimSpace(durationString); s != "" {
		return s
	}
	if seconds <= 0 {
		return ""
	}
	return strconv.FormatInt(int64(seconds), 10) + "s"
}
