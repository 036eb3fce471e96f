// Package parser provides HLS playlist fetching and decoding.
package parser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/agleyzer/segfetch/internal/variant"
	"github.com/grafov/m3u8"
)

// ErrMasterPlaylist is returned by Decode for a master playlist, whose
// variants are read with Variants instead.
var ErrMasterPlaylist = errors.New("expected media playlist, got master playlist")

// Entry is one media segment line of a playlist together with its
// duration annotation.
type Entry struct {
	// URI is the segment line as written in the playlist
	URI string

	// Duration is the #EXTINF duration in seconds
	Duration float64
}

// Fetch downloads the playlist text from playlistURL, sending userAgent when
// it is not empty.
func Fetch(ctx context.Context, playlistURL, userAgent string) (string, error) {
	client := &http.Client{
		Timeout: 30 * time.Second,
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, playlistURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build playlist request: %w", err)
	}
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch playlist: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("failed to fetch playlist: HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read playlist: %w", err)
	}
	return string(body), nil
}

// Decode parses media playlist text into its ordered segment entries.
func Decode(manifest string) ([]Entry, error) {
	playlist, listType, err := m3u8.DecodeFrom(strings.NewReader(manifest), true)
	if err != nil {
		return nil, fmt.Errorf("failed to parse playlist: %w", err)
	}

	if listType == m3u8.MASTER {
		return nil, ErrMasterPlaylist
	}

	mediaPlaylist, ok := playlist.(*m3u8.MediaPlaylist)
	if !ok {
		return nil, fmt.Errorf("unexpected playlist type")
	}

	var entries []Entry
	for _, seg := range mediaPlaylist.Segments {
		if seg == nil {
			break
		}
		entries = append(entries, Entry{
			URI:      seg.URI,
			Duration: seg.Duration,
		})
	}

	if len(entries) == 0 {
		return nil, fmt.Errorf("playlist contains no segments")
	}

	return entries, nil
}

// Variants lists the variant streams of master playlist text, with their
// playlist URLs resolved against masterURL.
func Variants(manifest, masterURL string) ([]variant.Variant, error) {
	playlist, listType, err := m3u8.DecodeFrom(strings.NewReader(manifest), true)
	if err != nil {
		return nil, fmt.Errorf("failed to parse playlist: %w", err)
	}
	if listType != m3u8.MASTER {
		return nil, fmt.Errorf("expected master playlist, got media playlist")
	}

	masterPlaylist, ok := playlist.(*m3u8.MasterPlaylist)
	if !ok {
		return nil, fmt.Errorf("unexpected playlist type")
	}

	var variants []variant.Variant
	for _, v := range masterPlaylist.Variants {
		if v == nil {
			continue
		}

		variantURL, err := ResolveURL(masterURL, v.URI)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve variant URL: %w", err)
		}

		variants = append(variants, variant.Variant{
			Bandwidth:   int(v.Bandwidth),
			Resolution:  v.Resolution,
			Codecs:      v.Codecs,
			PlaylistURL: variantURL,
		})
	}

	if len(variants) == 0 {
		return nil, fmt.Errorf("master playlist contains no variants")
	}
	return variants, nil
}

// ResolveURL resolves a possibly relative URL against a base URL.
func ResolveURL(baseURL, relativeURL string) (string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}

	rel, err := url.Parse(relativeURL)
	if err != nil {
		return "", fmt.Errorf("invalid relative URL: %w", err)
	}

	return base.ResolveReference(rel).String(), nil
}
