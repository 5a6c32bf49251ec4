package image

import "fmt"

// Box is an inclusive integer bounding box. A box with MaxX < MinX is empty.
type Box struct {
	MinX, MinY int
	MaxX, MaxY int
}

// NewBox builds a box from its origin and extent.
func NewBox(x0, y0, width, height int) Box {
	return Box{MinX: x0, MinY: y0, MaxX: x0 + width - 1, MaxY: y0 + height - 1}
}

// EmptyBox returns a box that contains nothing and absorbs the first Include.
func EmptyBox() Box {
	return Box{MinX: 0, MinY: 0, MaxX: -1, MaxY: -1}
}

func (b Box) Empty() bool { return b.MaxX < b.MinX || b.MaxY < b.MinY }

func (b Box) Width() int {
	if b.Empty() {
		return 0
	}
	return b.MaxX - b.MinX + 1
}

func (b Box) Height() int {
	if b.Empty() {
		return 0
	}
	return b.MaxY - b.MinY + 1
}

// Area is the number of pixels covered.
func (b Box) Area() int { return b.Width() * b.Height() }

// Contains reports whether other lies entirely inside b.
func (b Box) Contains(other Box) bool {
	if other.Empty() {
		return true
	}
	if b.Empty() {
		return false
	}
	return other.MinX >= b.MinX && other.MaxX <= b.MaxX &&
		other.MinY >= b.MinY && other.MaxY <= b.MaxY
}

// ContainsPoint reports whether (x, y) lies inside b.
func (b Box) ContainsPoint(x, y int) bool {
	return !b.Empty() && x >= b.MinX && x <= b.MaxX && y >= b.MinY && y <= b.MaxY
}

// Include extends b to cover (x, y).
func (b Box) Include(x, y int) Box {
	if b.Empty() {
		return Box{MinX: x, MinY: y, MaxX: x, MaxY: y}
	}
	if x < b.MinX {
		b.MinX = x
	}
	if x > b.MaxX {
		b.MaxX = x
	}
	if y < b.MinY {
		b.MinY = y
	}
	if y > b.MaxY {
		b.MaxY = y
	}
	return b
}

// Grow pads the box by r pixels on every side.
func (b Box) Grow(r int) Box {
	if b.Empty() {
		return b
	}
	return Box{MinX: b.MinX - r, MinY: b.MinY - r, MaxX: b.MaxX + r, MaxY: b.MaxY + r}
}

// Center returns the integer-truncated midpoint of the box.
func (b Box) Center() (int, int) {
	return int(0.5 * float64(b.MinX+b.MaxX)), int(0.5 * float64(b.MinY+b.MaxY))
}

func (b Box) String() string {
	return fmt.Sprintf("(%d,%d)-(%d,%d)", b.MinX, b.MinY, b.MaxX, b.MaxY)
}
