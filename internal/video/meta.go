// Package video handles resolved video metadata: extracting a playable URL
// from the hosting collaborator's iframe snippet at ingestion time, caching
// resolved metadata in Redis, and polling encode progress with bounded
// backoff.
package video

import (
	"errors"
	"regexp"

	"github.com/orthotrack/treatment-timeline/internal/backend"
)

// Meta is one resolved video. PlaybackURL is extracted exactly once, when the
// collaborator's response is ingested; nothing downstream re-parses HTML.
type Meta struct {
	ID          string `json:"id"`
	Thumbnail   string `json:"thumbnail"`
	PlaybackURL string `json:"playback_url"`
}

var ErrNoPlaybackURL = errors.New("iframe snippet has no src attribute")

var srcPattern = regexp.MustCompile(`src="([^"]+)"`)

// PlaybackURL pulls the src attribute out of an iframe HTML snippet. The
// hosting collaborator only returns embed HTML, so this runs once per
// resolved video, at ingestion.
func PlaybackURL(iframe string) (string, error) {
	m := srcPattern.FindStringSubmatch(iframe)
	if m == nil {
		return "", ErrNoPlaybackURL
	}
	return m[1], nil
}

// Ingest converts a raw backend video object into Meta. A missing src is an
// error: a video without a playable URL is useless to every caller.
func Ingest(obj *backend.VideoObject) (*Meta, error) {
	u, err := PlaybackURL(obj.Iframe)
	if err != nil {
		return nil, err
	}
	return &Meta{
		ID:          obj.ID,
		Thumbnail:   obj.Thumbnail,
		PlaybackURL: u,
	}, nil
}
