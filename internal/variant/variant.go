// Package variant describes the renditions listed by an HLS master playlist.
package variant

import (
	"fmt"
	"sort"
)

// Variant represents a single variant stream in an HLS master playlist.
type Variant struct {
	// Bandwidth is the peak segment bitrate in bits per second
	Bandwidth int

	// Resolution is the video resolution (e.g., "1920x1080"), empty if not
	// specified
	Resolution string

	// Codecs is the codec string, empty if not specified
	Codecs string

	// PlaylistURL is the absolute URL of the variant's media playlist
	PlaylistURL string
}

// String formats the variant for a listing, e.g.
// "1920x1080 6000 kbps https://cdn.example.com/source/index.m3u8".
func (v Variant) String() string {
	res := v.Resolution
	if res == "" {
		res = "audio/unknown"
	}
	return fmt.Sprintf("%s %d kbps %s", res, v.Bandwidth/1000, v.PlaylistURL)
}

// ByBandwidth returns a copy of variants ordered from highest to lowest
// bandwidth. Equal bandwidths keep their playlist order.
func ByBandwidth(variants []Variant) []Variant {
	sorted := append([]Variant(nil), variants...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Bandwidth > sorted[j].Bandwidth
	})
	return sorted
}
