package footprint

import (
	"sort"

	"psfmatch/internal/image"
)

// Span is a horizontal run of pixels [X0, X1] on row Y.
type Span struct {
	Y, X0, X1 int
}

// Point is an integer pixel coordinate.
type Point struct {
	X, Y int
}

// Footprint is a set of pixels stored as sorted, non-overlapping spans.
type Footprint struct {
	spans []Span
	bbox  image.Box
	area  int
}

// FromSpans builds a footprint, merging overlapping or touching spans.
func FromSpans(spans []Span) *Footprint {
	f := &Footprint{spans: normalize(spans)}
	f.recompute()
	return f
}

// FromBox returns a footprint covering every pixel of box.
func FromBox(box image.Box) *Footprint {
	if box.Empty() {
		return FromSpans(nil)
	}
	spans := make([]Span, 0, box.Height())
	for y := box.MinY; y <= box.MaxY; y++ {
		spans = append(spans, Span{Y: y, X0: box.MinX, X1: box.MaxX})
	}
	return FromSpans(spans)
}

// FromPoints returns a footprint covering the given pixels.
func FromPoints(points []Point) *Footprint {
	spans := make([]Span, len(points))
	for i, p := range points {
		spans[i] = Span{Y: p.Y, X0: p.X, X1: p.X}
	}
	return FromSpans(spans)
}

func (f *Footprint) recompute() {
	f.bbox = image.EmptyBox()
	f.area = 0
	for _, s := range f.spans {
		f.bbox = f.bbox.Include(s.X0, s.Y).Include(s.X1, s.Y)
		f.area += s.X1 - s.X0 + 1
	}
}

// Area is the number of pixels in the footprint.
func (f *Footprint) Area() int { return f.area }

// BBox is the smallest box containing every pixel.
func (f *Footprint) BBox() image.Box { return f.bbox }

// Spans returns a copy of the span list.
func (f *Footprint) Spans() []Span {
	return append([]Span(nil), f.spans...)
}

// BBoxCentroid is the integer-truncated centre of the bounding box.
func (f *Footprint) BBoxCentroid() Point {
	x, y := f.bbox.Center()
	return Point{X: x, Y: y}
}

// Contains reports whether (x, y) is part of the footprint.
func (f *Footprint) Contains(x, y int) bool {
	i := sort.Search(len(f.spans), func(i int) bool {
		s := f.spans[i]
		return s.Y > y || (s.Y == y && s.X1 >= x)
	})
	return i < len(f.spans) && f.spans[i].Y == y && f.spans[i].X0 <= x
}

// Pixels lists every pixel in row-major order.
func (f *Footprint) Pixels() []Point {
	out := make([]Point, 0, f.area)
	for _, s := range f.spans {
		for x := s.X0; x <= s.X1; x++ {
			out = append(out, Point{X: x, Y: s.Y})
		}
	}
	return out
}

// DilateManhattan grows the footprint by r pixels along diamond offsets
// (|dx|+|dy| <= r). r <= 0 returns a copy.
func (f *Footprint) DilateManhattan(r int) *Footprint {
	if r <= 0 {
		return FromSpans(f.spans)
	}
	grown := make([]Span, 0, len(f.spans)*(2*r+1))
	for _, s := range f.spans {
		for dy := -r; dy <= r; dy++ {
			w := r - abs(dy)
			grown = append(grown, Span{Y: s.Y + dy, X0: s.X0 - w, X1: s.X1 + w})
		}
	}
	return FromSpans(grown)
}

// Sum adds up img's values over the footprint pixels that fall inside img.
func Sum[T image.Pixel](f *Footprint, img *image.MaskedImage[T]) float64 {
	var total float64
	for _, s := range f.spans {
		for x := s.X0; x <= s.X1; x++ {
			if img.In(x, s.Y) {
				total += float64(img.Value(x, s.Y))
			}
		}
	}
	return total
}

func normalize(spans []Span) []Span {
	if len(spans) == 0 {
		return nil
	}
	sorted := append([]Span(nil), spans...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Y != sorted[j].Y {
			return sorted[i].Y < sorted[j].Y
		}
		return sorted[i].X0 < sorted[j].X0
	})
	out := sorted[:1]
	for _, s := range sorted[1:] {
		last := &out[len(out)-1]
		if s.Y == last.Y && s.X0 <= last.X1+1 {
			if s.X1 > last.X1 {
				last.X1 = s.X1
			}
			continue
		}
		out = append(out, s)
	}
	return out
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
