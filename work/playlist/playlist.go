package playlist

import (
	"bufio"
	"fmt"
	"io"

	"github.com/grafov/m3u8"
)

// VariantInfo describes one rendition of a master playlist.
type VariantInfo struct {
	URI        string  `json:"uri"`
	Bandwidth  uint32  `json:"bandwidth"`
	Resolution string  `json:"resolution,omitempty"`
	Codecs     string  `json:"codecs,omitempty"`
	FrameRate  float64 `json:"frame_rate,omitempty"`
}

// Info is the result of probing an HLS playlist.
type Info struct {
	Type           string        `json:"type"` // "master" or "media"
	Variants       []VariantInfo `json:"variants,omitempty"`
	SegmentCount   int           `json:"segment_count,omitempty"`
	TargetDuration float64       `json:"target_duration,omitempty"`
	Live           bool          `json:"live,omitempty"`
}

// Inspect parses an HLS playlist and summarizes it for the admin probe
// endpoint. Both master and media playlists are handled.
func Inspect(r io.Reader) (*Info, error) {
	pl, listType, err := m3u8.DecodeFrom(bufio.NewReader(r), false)
	if err != nil {
		return nil, fmt.Errorf("failed to parse playlist: %w", err)
	}

	switch listType {
	case m3u8.MASTER:
		master := pl.(*m3u8.MasterPlaylist)
		info := &Info{Type: "master"}
		for _, v := range master.Variants {
			if v == nil {
				continue
			}
			info.Variants = append(info.Variants, VariantInfo{
				URI:        v.URI,
				Bandwidth:  v.Bandwidth,
				Resolution: v.Resolution,
				Codecs:     v.Codecs,
				FrameRate:  v.FrameRate,
			})
		}
		return info, nil

	case m3u8.MEDIA:
		media := pl.(*m3u8.MediaPlaylist)
		count := 0
		for _, seg := range media.Segments {
			if seg != nil {
				count++
			}
		}
		return &Info{
			Type:           "media",
			SegmentCount:   count,
			TargetDuration: media.TargetDuration,
			Live:           !media.Closed,
		}, nil
	}

	return nil, fmt.Errorf("unrecognized playlist type")
}
