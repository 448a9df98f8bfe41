package frame

import "fmt"

// BoundingBox is an axis-aligned box in TeX points (bp, 1bp = 1/72 inch).
//
// The zero value is the degenerate "no drawable content" state. Degenerate
// boxes are a distinct representable condition: they must not participate
// in Union as if they were a real zero-sized box at the origin.
type BoundingBox struct {
	XMin, YMin, XMax, YMax float64
}

// Empty reports whether the box has no drawable extent.
func (b BoundingBox) Empty() bool {
	return b.XMax <= b.XMin || b.YMax <= b.YMin
}

// Width returns the horizontal extent in bp.
func (b BoundingBox) Width() float64 { return b.XMax - b.XMin }

// Height returns the vertical extent in bp.
func (b BoundingBox) Height() float64 { return b.YMax - b.YMin }

// Union returns the smallest box enclosing both boxes. A degenerate
// operand is ignored; the union of two degenerate boxes is degenerate.
func (b BoundingBox) Union(o BoundingBox) BoundingBox {
	if b.Empty() {
		return o
	}
	if o.Empty() {
		return b
	}
	return BoundingBox{
		XMin: min(b.XMin, o.XMin),
		YMin: min(b.YMin, o.YMin),
		XMax: max(b.XMax, o.XMax),
		YMax: max(b.YMax, o.YMax),
	}
}

// Padded returns a new box expanded symmetrically by pad bp on all sides.
// Padding a degenerate box yields a degenerate box.
func (b BoundingBox) Padded(pad float64) BoundingBox {
	if b.Empty() {
		return b
	}
	return BoundingBox{
		XMin: b.XMin - pad,
		YMin: b.YMin - pad,
		XMax: b.XMax + pad,
		YMax: b.YMax + pad,
	}
}

// Contains reports whether o lies entirely within b.
func (b BoundingBox) Contains(o BoundingBox) bool {
	if b.Empty() || o.Empty() {
		return false
	}
	return o.XMin >= b.XMin && o.YMin >= b.YMin &&
		o.XMax <= b.XMax && o.YMax <= b.YMax
}

// Directive renders the \useasboundingbox command enforcing this box.
func (b BoundingBox) Directive() string {
	return fmt.Sprintf(
		"\\useasboundingbox (%gbp, %gbp) rectangle (%gbp, %gbp);",
		b.XMin, b.YMin, b.XMax, b.YMax,
	)
}

// String renders the box for log output.
func (b BoundingBox) String() string {
	if b.Empty() {
		return "(empty)"
	}
	return fmt.Sprintf("(%.1f, %.1f)--(%.1f, %.1f) [%.1f x %.1f bp]",
		b.XMin, b.YMin, b.XMax, b.YMax, b.Width(), b.Height())
}
