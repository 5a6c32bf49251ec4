package image

import (
	"errors"
	"fmt"
	"math"
)

// Pixel is the set of pixel precisions a MaskedImage can carry.
type Pixel interface {
	~float32 | ~float64
}

// MaskPixel holds the per-pixel mask bits.
type MaskPixel uint32

// ErrOutOfBounds is returned when a requested region is not contained in an image.
var ErrOutOfBounds = errors.New("region out of image bounds")

// MaskedImage is a grid of (value, variance, mask) triples in parent coordinates.
// Pixel (x, y) lives at index (y-Y0)*Width + (x-X0).
type MaskedImage[T Pixel] struct {
	X0, Y0   int
	Width    int
	Height   int
	Image    []T
	Variance []T
	Mask     []MaskPixel
	Planes   *MaskPlanes
}

// New allocates a zeroed image of the given size with its origin at (0, 0).
func New[T Pixel](width, height int) *MaskedImage[T] {
	return NewWithOrigin[T](0, 0, width, height)
}

// NewWithOrigin allocates a zeroed image whose first pixel is (x0, y0).
func NewWithOrigin[T Pixel](x0, y0, width, height int) *MaskedImage[T] {
	if width < 0 {
		width = 0
	}
	if height < 0 {
		height = 0
	}
	n := width * height
	return &MaskedImage[T]{
		X0:       x0,
		Y0:       y0,
		Width:    width,
		Height:   height,
		Image:    make([]T, n),
		Variance: make([]T, n),
		Mask:     make([]MaskPixel, n),
		Planes:   DefaultMaskPlanes(),
	}
}

// BBox returns the image extent in parent coordinates.
func (m *MaskedImage[T]) BBox() Box {
	return NewBox(m.X0, m.Y0, m.Width, m.Height)
}

func (m *MaskedImage[T]) index(x, y int) int {
	return (y-m.Y0)*m.Width + (x - m.X0)
}

// In reports whether (x, y) is a pixel of the image.
func (m *MaskedImage[T]) In(x, y int) bool {
	return x >= m.X0 && y >= m.Y0 && x < m.X0+m.Width && y < m.Y0+m.Height
}

// At returns value, variance and mask at (x, y). The caller guarantees In(x, y).
func (m *MaskedImage[T]) At(x, y int) (T, T, MaskPixel) {
	i := m.index(x, y)
	return m.Image[i], m.Variance[i], m.Mask[i]
}

// Value returns the pixel value at (x, y).
func (m *MaskedImage[T]) Value(x, y int) T {
	return m.Image[m.index(x, y)]
}

// Set writes all three planes at (x, y).
func (m *MaskedImage[T]) Set(x, y int, value, variance T, mask MaskPixel) {
	i := m.index(x, y)
	m.Image[i] = value
	m.Variance[i] = variance
	m.Mask[i] = mask
}

// SetValue writes only the image plane at (x, y).
func (m *MaskedImage[T]) SetValue(x, y int, value T) {
	m.Image[m.index(x, y)] = value
}

// OrMask sets bits on the mask plane at (x, y).
func (m *MaskedImage[T]) OrMask(x, y int, bits MaskPixel) {
	m.Mask[m.index(x, y)] |= bits
}

// FillVariance sets every variance pixel to v.
func (m *MaskedImage[T]) FillVariance(v T) {
	for i := range m.Variance {
		m.Variance[i] = v
	}
}

// SubImage copies the pixels inside box into a new image that keeps parent coordinates.
func (m *MaskedImage[T]) SubImage(box Box) (*MaskedImage[T], error) {
	if box.Empty() {
		return nil, fmt.Errorf("subimage %v: empty box", box)
	}
	if !m.BBox().Contains(box) {
		return nil, fmt.Errorf("subimage %v of %v: %w", box, m.BBox(), ErrOutOfBounds)
	}
	sub := NewWithOrigin[T](box.MinX, box.MinY, box.Width(), box.Height())
	sub.Planes = m.Planes
	for y := box.MinY; y <= box.MaxY; y++ {
		src := m.index(box.MinX, y)
		dst := sub.index(box.MinX, y)
		w := box.Width()
		copy(sub.Image[dst:dst+w], m.Image[src:src+w])
		copy(sub.Variance[dst:dst+w], m.Variance[src:src+w])
		copy(sub.Mask[dst:dst+w], m.Mask[src:src+w])
	}
	return sub, nil
}

// MaskBits returns the OR of every mask pixel.
func (m *MaskedImage[T]) MaskBits() MaskPixel {
	var bits MaskPixel
	for _, b := range m.Mask {
		bits |= b
	}
	return bits
}

// Finite reports whether v is neither NaN nor infinite.
func Finite[T Pixel](v T) bool {
	f := float64(v)
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
