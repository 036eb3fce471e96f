// Package extractor resolves a video page URL into the URL of its media
// playlist by running yt-dlp (or a compatible tool such as youtube-dl).
package extractor

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"os/exec"
	"path"
	"strings"
)

// DefaultBinary is the extractor looked up on PATH.
const DefaultBinary = "yt-dlp"

// Extractor runs the extractor command line tool.
type Extractor struct {
	// Binary is the executable, DefaultBinary when empty
	Binary string

	// ExtraArgs are passed to the URL resolution call before the URL
	ExtraArgs []string

	Verbose bool
}

// IsPlaylistURL reports whether raw already points at an HLS playlist, in
// which case no extraction is needed.
func IsPlaylistURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return strings.EqualFold(path.Ext(u.Path), ".m3u8")
}

// PlaylistURL asks the extractor for the media URL of sourceURL.
func (e Extractor) PlaylistURL(ctx context.Context, sourceURL string) (string, error) {
	if strings.TrimSpace(sourceURL) == "" {
		return "", fmt.Errorf("source URL is required")
	}

	var args []string
	if e.Verbose {
		args = append(args, "--verbose")
	}
	args = append(args, "--get-url")
	args = append(args, e.ExtraArgs...)
	args = append(args, sourceURL)

	out, err := e.run(ctx, args)
	if err != nil {
		return "", err
	}

	// Formats with separate audio print one URL per line; the first one is
	// the video.
	playlistURL := strings.TrimSpace(strings.SplitN(out, "\n", 2)[0])
	if playlistURL == "" {
		return "", fmt.Errorf("%s returned no URL for %s", e.binary(), sourceURL)
	}
	if strings.ContainsAny(playlistURL, " \t") {
		return "", fmt.Errorf("%s returned a malformed URL: %q", e.binary(), playlistURL)
	}
	if _, err := url.ParseRequestURI(playlistURL); err != nil {
		return "", fmt.Errorf("%s returned an invalid URL %q: %w", e.binary(), playlistURL, err)
	}
	return playlistURL, nil
}

// UserAgent returns the user agent string the extractor itself uses, so the
// playlist and segments are fetched the way the extractor would.
func (e Extractor) UserAgent(ctx context.Context) (string, error) {
	out, err := e.run(ctx, []string{"--dump-user-agent"})
	if err != nil {
		return "", err
	}
	ua := strings.TrimSpace(out)
	if ua == "" {
		return "", fmt.Errorf("%s returned an empty user agent", e.binary())
	}
	return ua, nil
}

func (e Extractor) binary() string {
	if e.Binary == "" {
		return DefaultBinary
	}
	return e.Binary
}

func (e Extractor) run(ctx context.Context, args []string) (string, error) {
	cmd := exec.CommandContext(ctx, e.binary(), args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s failed: %w: %s", e.binary(), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}
