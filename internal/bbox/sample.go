// Package bbox implements two-pass bounding-box normalization.
//
// Per-frame content can occupy a different extent of the page on every
// frame; if each page is cropped to its own content, the assembled
// animation jitters. The normalizer compiles a sampled subset of frames,
// unions their measured boxes into an envelope, and rewrites every
// frame's source to enforce that envelope.
//
// Sampling always includes the first and last frame and spreads the
// remaining probes evenly. This is a heuristic, not a proof: intermediate
// frames are assumed, but not guaranteed, to lie within the extremes'
// envelope. An animation with a spike in extent at a non-sampled index
// will still jitter.
package bbox

import (
	"fmt"
	"math"
	"sort"

	"tikzmotion/internal/frame"
)

// ProbeIndices selects which frame indices to measure.
//
// Always includes 0 and total-1, fills the remaining budget with evenly
// spaced indices, and returns a sorted, deduplicated list. When the
// budget covers every frame, sampling degenerates to full measurement.
func ProbeIndices(total, maxProbes int) []int {
	if total <= 0 {
		return nil
	}
	if total <= maxProbes {
		all := make([]int, total)
		for i := range all {
			all[i] = i
		}
		return all
	}

	picked := map[int]bool{0: true, total - 1: true}
	remaining := maxProbes - 2
	if remaining > 0 {
		step := float64(total-1) / float64(remaining+1)
		for i := 1; i <= remaining; i++ {
			picked[int(math.Round(float64(i)*step))] = true
		}
	}

	indices := make([]int, 0, len(picked))
	for idx := range picked {
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	return indices
}

// Envelope unions the given boxes. Degenerate boxes do not contribute;
// if every box is degenerate the result is degenerate and the caller
// must treat that as the "no drawable content" condition.
func Envelope(boxes []frame.BoundingBox) frame.BoundingBox {
	var env frame.BoundingBox
	for _, b := range boxes {
		env = env.Union(b)
	}
	return env
}

// Consistency describes how much the measured boxes vary. A large
// spread is exactly the jitter the enforced envelope removes.
type Consistency struct {
	WidthSpread  float64
	HeightSpread float64

	// Frame indices holding the extreme dimensions.
	MinWidthFrame, MaxWidthFrame   int
	MinHeightFrame, MaxHeightFrame int
}

// Consistent reports whether all boxes agree within tol bp.
func (c Consistency) Consistent(tol float64) bool {
	return c.WidthSpread <= tol && c.HeightSpread <= tol
}

// String renders the report for log output.
func (c Consistency) String() string {
	return fmt.Sprintf(
		"width spread %.1fbp (frames %d..%d), height spread %.1fbp (frames %d..%d)",
		c.WidthSpread, c.MinWidthFrame, c.MaxWidthFrame,
		c.HeightSpread, c.MinHeightFrame, c.MaxHeightFrame)
}

// CheckConsistency measures the dimension spread across probed boxes.
func CheckConsistency(boxes map[int]frame.BoundingBox) Consistency {
	var c Consistency
	first := true
	var minW, maxW, minH, maxH float64
	for idx, b := range boxes {
		w, h := b.Width(), b.Height()
		if first {
			minW, maxW, minH, maxH = w, w, h, h
			c.MinWidthFrame, c.MaxWidthFrame = idx, idx
			c.MinHeightFrame, c.MaxHeightFrame = idx, idx
			first = false
			continue
		}
		if w < minW {
			minW, c.MinWidthFrame = w, idx
		}
		if w > maxW {
			maxW, c.MaxWidthFrame = w, idx
		}
		if h < minH {
			minH, c.MinHeightFrame = h, idx
		}
		if h > maxH {
			maxH, c.MaxHeightFrame = h, idx
		}
	}
	if !first {
		c.WidthSpread = maxW - minW
		c.HeightSpread = maxH - minH
	}
	return c
}
