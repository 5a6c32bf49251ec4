package image

import (
	"fmt"
	"sort"
	"sync"
)

// Standard mask plane names.
const (
	PlaneBad      = "BAD"
	PlaneSat      = "SAT"
	PlaneIntrp    = "INTRP"
	PlaneCR       = "CR"
	PlaneEdge     = "EDGE"
	PlaneDetected = "DETECTED"
	PlaneNoData   = "NO_DATA"
)

var defaultPlaneOrder = []string{PlaneBad, PlaneSat, PlaneIntrp, PlaneCR, PlaneEdge, PlaneDetected, PlaneNoData}

// MaskPlanes maps plane names to bit positions. Safe for concurrent use.
type MaskPlanes struct {
	mu     sync.RWMutex
	planes map[string]uint
}

// DefaultMaskPlanes returns a dictionary holding the standard planes.
func DefaultMaskPlanes() *MaskPlanes {
	mp := &MaskPlanes{planes: make(map[string]uint, len(defaultPlaneOrder))}
	for i, name := range defaultPlaneOrder {
		mp.planes[name] = uint(i)
	}
	return mp
}

// AddPlane registers name, returning its bit. Existing planes keep their bit.
func (mp *MaskPlanes) AddPlane(name string) (MaskPixel, error) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	if bit, ok := mp.planes[name]; ok {
		return 1 << bit, nil
	}
	next := uint(len(mp.planes))
	if next >= 32 {
		return 0, fmt.Errorf("mask plane %q: no free bits", name)
	}
	mp.planes[name] = next
	return 1 << next, nil
}

// PlaneBitMask returns the bit for name or an error if it is not registered.
func (mp *MaskPlanes) PlaneBitMask(name string) (MaskPixel, error) {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	bit, ok := mp.planes[name]
	if !ok {
		return 0, fmt.Errorf("unknown mask plane %q", name)
	}
	return 1 << bit, nil
}

// Names lists the registered planes ordered by bit.
func (mp *MaskPlanes) Names() []string {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	names := make([]string, 0, len(mp.planes))
	for name := range mp.planes {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return mp.planes[names[i]] < mp.planes[names[j]] })
	return names
}
