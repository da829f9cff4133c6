// Package ladder selects the set of output renditions for a source video.
package ladder

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Rung is one candidate rendition in the quality ladder. Bitrates are in
// kilobits per second.
type Rung struct {
	Label        string
	Width        int
	Height       int
	VideoBitrate int
	AudioBitrate int
}

// Bandwidth returns the peak bandwidth in bits per second advertised for the
// rung in the master playlist.
func (r Rung) Bandwidth() int {
	return (r.VideoBitrate + r.AudioBitrate) * 1000
}

// Default returns the base ladder. Heights are strictly ascending.
func Default() []Rung {
	return []Rung{
		{Label: "360p", Width: 640, Height: 360, VideoBitrate: 800, AudioBitrate: 96},
		{Label: "480p", Width: 842, Height: 480, VideoBitrate: 1500, AudioBitrate: 128},
		{Label: "720p", Width: 1280, Height: 720, VideoBitrate: 3000, AudioBitrate: 128},
		{Label: "1080p", Width: 1920, Height: 1080, VideoBitrate: 5000, AudioBitrate: 192},
		{Label: "1440p", Width: 2560, Height: 1440, VideoBitrate: 9000, AudioBitrate: 192},
		{Label: "2160p", Width: 3840, Height: 2160, VideoBitrate: 14000, AudioBitrate: 256},
	}
}

// nearMatchTolerance keeps a rung whose height is within 1% above the native
// height, so a 1077-line source still gets a 1080p rendition.
const nearMatchTolerance = 0.01

// Select filters the ladder against the source resolution. Renditions taller
// than the source are dropped so nothing is upscaled. If every rung is taller
// than the source, a single rendition at native height is produced using the
// lowest rung's bitrates. The result is never empty and is strictly ascending
// by height.
func Select(nativeWidth, nativeHeight int, rungs []Rung) ([]Rung, error) {
	if nativeHeight <= 0 {
		return nil, errors.New("native height must be positive")
	}
	if len(rungs) == 0 {
		rungs = Default()
	}
	if err := Validate(rungs); err != nil {
		return nil, err
	}

	selected := make([]Rung, 0, len(rungs))
	for _, rung := range rungs {
		if rung.Height <= nativeHeight {
			selected = append(selected, rung)
			continue
		}
		overshoot := float64(rung.Height-nativeHeight) / float64(rung.Height)
		if overshoot <= nearMatchTolerance {
			selected = append(selected, rung)
		}
	}
	if len(selected) > 0 {
		return selected, nil
	}

	lowest := rungs[0]
	native := Rung{
		Label:        fmt.Sprintf("%dp", nativeHeight),
		Width:        evenWidth(nativeWidth, nativeHeight),
		Height:       nativeHeight,
		VideoBitrate: lowest.VideoBitrate,
		AudioBitrate: lowest.AudioBitrate,
	}
	return []Rung{native}, nil
}

// Validate checks that the ladder is usable: non-empty, strictly ascending,
// unique heights, positive dimensions and bitrates.
func Validate(rungs []Rung) error {
	if len(rungs) == 0 {
		return errors.New("ladder is empty")
	}
	sorted := sort.SliceIsSorted(rungs, func(i, j int) bool {
		return rungs[i].Height < rungs[j].Height
	})
	if !sorted {
		return errors.New("ladder heights must be ascending")
	}
	for i, rung := range rungs {
		if rung.Height <= 0 {
			return fmt.Errorf("rung %q has non-positive height", rung.Label)
		}
		if rung.VideoBitrate <= 0 || rung.AudioBitrate < 0 {
			return fmt.Errorf("rung %q has invalid bitrates", rung.Label)
		}
		if i > 0 && rungs[i-1].Height == rung.Height {
			return fmt.Errorf("duplicate ladder height %d", rung.Height)
		}
	}
	return nil
}

// Parse reads a ladder from its configuration form, a comma-separated list of
// label:height:videoKbps:audioKbps entries, for example
// "360p:360:800:96,720p:720:3000:128".
func Parse(spec string) ([]Rung, error) {
	entries := strings.Split(spec, ",")
	rungs := make([]Rung, 0, len(entries))
	for _, entry := range entries {
		trimmed := strings.TrimSpace(entry)
		if trimmed == "" {
			continue
		}
		parts := strings.Split(trimmed, ":")
		if len(parts) != 4 {
			return nil, fmt.Errorf("invalid ladder entry %q", trimmed)
		}
		height, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil {
			return nil, fmt.Errorf("invalid height in ladder entry %q: %w", trimmed, err)
		}
		video, err := strconv.Atoi(strings.TrimSpace(parts[2]))
		if err != nil {
			return nil, fmt.Errorf("invalid video bitrate in ladder entry %q: %w", trimmed, err)
		}
		audio, err := strconv.Atoi(strings.TrimSpace(parts[3]))
		if err != nil {
			return nil, fmt.Errorf("invalid audio bitrate in ladder entry %q: %w", trimmed, err)
		}
		rungs = append(rungs, Rung{
			Label:        strings.TrimSpace(parts[0]),
			Width:        evenWidth(0, height),
			Height:       height,
			VideoBitrate: video,
			AudioBitrate: audio,
		})
	}
	if len(rungs) == 0 {
		return nil, errors.New("no ladder entries configured")
	}
	if err := Validate(rungs); err != nil {
		return nil, err
	}
	return rungs, nil
}

// evenWidth derives an encoder-safe even width. When the source width is
// unknown a 16:9 aspect ratio is assumed.
func evenWidth(nativeWidth, height int) int {
	width := nativeWidth
	if width <= 0 {
		width = height * 16 / 9
	}
	if width%2 != 0 {
		width--
	}
	return width
}
