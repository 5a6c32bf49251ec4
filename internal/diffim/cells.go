package diffim

import (
	"fmt"
	"sort"

	"psfmatch/internal/image"
)

// SpatialCell holds the candidates whose centres fall in one tile of the field.
type SpatialCell struct {
	Label   string
	BBox    image.Box
	entries []cellEntry
}

type cellEntry struct {
	region CandidateRegion
	flux   float64
}

// Len is the number of candidates inserted into the cell.
func (c *SpatialCell) Len() int { return len(c.entries) }

// Regions returns the cell's candidates, brightest first.
func (c *SpatialCell) Regions() []CandidateRegion {
	out := make([]CandidateRegion, len(c.entries))
	for i, e := range c.entries {
		out[i] = e.region
	}
	return out
}

// SpatialCellSet tiles a field into cells so that kernel candidates can be
// spread evenly instead of clustering where sources are dense.
type SpatialCellSet struct {
	field        image.Box
	sizeX, sizeY int
	nx, ny       int
	cells        []*SpatialCell
}

// NewSpatialCellSet tiles field with cells of sizeX by sizeY pixels. Edge cells
// are clipped to the field.
func NewSpatialCellSet(field image.Box, sizeX, sizeY int) (*SpatialCellSet, error) {
	if sizeX < 1 || sizeY < 1 {
		return nil, configErrorf("spatial.size_cell", "cell size must be positive, got %dx%d", sizeX, sizeY)
	}
	if field.Empty() {
		return nil, configErrorf("spatial.size_cell", "cannot tile an empty field")
	}
	s := &SpatialCellSet{
		field: field,
		sizeX: sizeX,
		sizeY: sizeY,
		nx:    (field.Width() + sizeX - 1) / sizeX,
		ny:    (field.Height() + sizeY - 1) / sizeY,
	}
	for j := 0; j < s.ny; j++ {
		for i := 0; i < s.nx; i++ {
			b := image.NewBox(field.MinX+i*sizeX, field.MinY+j*sizeY, sizeX, sizeY)
			b.MaxX = min(b.MaxX, field.MaxX)
			b.MaxY = min(b.MaxY, field.MaxY)
			s.cells = append(s.cells, &SpatialCell{Label: cellLabel(i, j), BBox: b})
		}
	}
	return s, nil
}

func cellLabel(i, j int) string {
	return fmt.Sprintf("Cell %dx%d", i, j)
}

// Insert files region under the cell containing its centre, keeping each cell
// ordered by decreasing flux. Regions centred off the field are ignored.
func (s *SpatialCellSet) Insert(region CandidateRegion, flux float64) bool {
	cx, cy := region.Center()
	x, y := int(cx), int(cy)
	if !s.field.ContainsPoint(x, y) {
		return false
	}
	i := (x - s.field.MinX) / s.sizeX
	j := (y - s.field.MinY) / s.sizeY
	c := s.cells[j*s.nx+i]
	at := sort.Search(len(c.entries), func(k int) bool { return c.entries[k].flux < flux })
	c.entries = append(c.entries, cellEntry{})
	copy(c.entries[at+1:], c.entries[at:])
	c.entries[at] = cellEntry{region: region, flux: flux}
	return true
}

// Visit calls fn for each cell in row-major order until fn returns false.
func (s *SpatialCellSet) Visit(fn func(*SpatialCell) bool) {
	for _, c := range s.cells {
		if !fn(c) {
			return
		}
	}
}

// Len is the number of cells.
func (s *SpatialCellSet) Len() int { return len(s.cells) }

// Select returns up to nPerCell of the brightest regions from every cell,
// ordered by region ID. nPerCell < 1 selects everything.
func (s *SpatialCellSet) Select(nPerCell int) []CandidateRegion {
	var out []CandidateRegion
	s.Visit(func(c *SpatialCell) bool {
		n := c.Len()
		if nPerCell > 0 && n > nPerCell {
			n = nPerCell
		}
		for _, e := range c.entries[:n] {
			out = append(out, e.region)
		}
		return true
	})
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}
