// Package models provides the shared domain types for slidecast.
package models

import (
	"sort"
	"time"
)

// Snapshot is the authoritative live position of a presentation.
type Snapshot struct {
	CurrentSlideIndex int  `json:"current_slide_index"`
	IsLive            bool `json:"is_live"`
}

// Normalize clamps the slide index to the first slide.
func (s Snapshot) Normalize() Snapshot {
	if s.CurrentSlideIndex < 1 {
		s.CurrentSlideIndex = 1
	}
	return s
}

// Presentation is the full presentation row returned by the initial fetch.
type Presentation struct {
	ID                string    `json:"id"`
	Title             string    `json:"title"`
	CurrentSlideIndex int       `json:"current_slide_index"`
	IsLive            bool      `json:"is_live"`
	SlideCount        int       `json:"slide_count"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Snapshot projects the presentation row onto its live position.
func (p *Presentation) Snapshot() Snapshot {
	if p == nil {
		return Snapshot{CurrentSlideIndex: 1}
	}
	return Snapshot{CurrentSlideIndex: p.CurrentSlideIndex, IsLive: p.IsLive}.Normalize()
}

// Slide describes where the rendered artifacts of one slide live.
type Slide struct {
	SlideNumber  int    `json:"slide_number"`
	ImageURL     string `json:"image_url"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
}

// Manifest is the ordered slide list of a presentation. It is immutable for
// the lifetime of a viewing session.
type Manifest []Slide

// NewManifest orders slides by number and drops invalid or duplicate entries.
func NewManifest(slides []Slide) Manifest {
	out := make(Manifest, 0, len(slides))
	seen := make(map[int]struct{}, len(slides))
	for _, slide := range slides {
		if slide.SlideNumber < 1 || slide.ImageURL == "" {
			continue
		}
		if _, ok := seen[slide.SlideNumber]; ok {
			continue
		}
		seen[slide.SlideNumber] = struct{}{}
		out = append(out, slide)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SlideNumber < out[j].SlideNumber
	})
	return out
}

// Last returns the highest slide number, or 0 for an empty manifest.
func (m Manifest) Last() int {
	if len(m) == 0 {
		return 0
	}
	return m[len(m)-1].SlideNumber
}

// Lookup finds a slide by number.
func (m Manifest) Lookup(number int) (Slide, bool) {
	i := sort.Search(len(m), func(i int) bool {
		return m[i].SlideNumber >= number
	})
	if i < len(m) && m[i].SlideNumber == number {
		return m[i], true
	}
	return Slide{}, false
}
