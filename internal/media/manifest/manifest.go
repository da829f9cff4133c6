// Package manifest renders HLS master playlists.
package manifest

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Entry describes one variant line in the master playlist.
type Entry struct {
	Bandwidth int
	Width     int
	Height    int
	Codecs    string
	URI       string
}

const defaultCodecs = "avc1.4d4028,mp4a.40.2"

// averageBandwidthRatio estimates sustained bandwidth from the peak figure.
const averageBandwidthRatio = 0.8

// Build renders the master playlist for the provided variants, ordered
// ascending by bandwidth. The output is deterministic: equal inputs always
// produce byte-identical playlists.
func Build(entries []Entry) ([]byte, error) {
	if len(entries) == 0 {
		return nil, errors.New("at least one variant is required")
	}
	ordered := make([]Entry, len(entries))
	copy(ordered, entries)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Bandwidth < ordered[j].Bandwidth
	})

	var builder strings.Builder
	builder.WriteString("#EXTM3U\n")
	builder.WriteString("#EXT-X-VERSION:3\n")
	for _, entry := range ordered {
		if entry.Bandwidth <= 0 {
			return nil, fmt.Errorf("variant %q has non-positive bandwidth", entry.URI)
		}
		if strings.TrimSpace(entry.URI) == "" {
			return nil, errors.New("variant playlist URI is required")
		}
		codecs := entry.Codecs
		if codecs == "" {
			codecs = defaultCodecs
		}
		average := int(float64(entry.Bandwidth) * averageBandwidthRatio)
		fmt.Fprintf(&builder,
			"#EXT-X-STREAM-INF:BANDWIDTH=%d,AVERAGE-BANDWIDTH=%d,RESOLUTION=%dx%d,CODECS=\"%s\"\n",
			entry.Bandwidth, average, entry.Width, entry.Height, codecs)
		builder.WriteString(entry.URI)
		builder.WriteByte('\n')
	}
	return []byte(builder.String()), nil
}
