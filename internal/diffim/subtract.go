package diffim

import (
	"fmt"

	"psfmatch/internal/image"
)

// Subtract returns science - (K(x,y) * template + B(x,y)). The kernel is
// evaluated once per blockSize square at the block centre. Pixels whose kernel
// footprint leaves the template are zeroed and flagged EDGE.
func Subtract[T image.Pixel](template, science *image.MaskedImage[T], model *SpatialModel, blockSize int) (*image.MaskedImage[T], error) {
	if template.BBox() != science.BBox() {
		return nil, fmt.Errorf("template %s and science %s do not cover the same pixels", template.BBox(), science.BBox())
	}
	if model == nil {
		return nil, fmt.Errorf("subtract: nil spatial model")
	}
	if blockSize < 1 {
		blockSize = 1
	}
	planes := science.Planes
	if planes == nil {
		planes = image.DefaultMaskPlanes()
	}
	edge, err := planes.PlaneBitMask(image.PlaneEdge)
	if err != nil {
		return nil, err
	}

	out := image.NewWithOrigin[T](science.X0, science.Y0, science.Width, science.Height)
	out.Planes = planes
	box := science.BBox()
	for by := box.MinY; by <= box.MaxY; by += blockSize {
		for bx := box.MinX; bx <= box.MaxX; bx += blockSize {
			block := image.NewBox(bx, by, blockSize, blockSize)
			block.MaxX = min(block.MaxX, box.MaxX)
			block.MaxY = min(block.MaxY, box.MaxY)
			cx := 0.5 * float64(block.MinX+block.MaxX)
			cy := 0.5 * float64(block.MinY+block.MaxY)
			k := model.KernelAt(cx, cy)
			bg := model.BackgroundAt(cx, cy)
			sq := k.Clone()
			for i, v := range sq.Data {
				sq.Data[i] = v * v
			}
			for y := block.MinY; y <= block.MaxY; y++ {
				for x := block.MinX; x <= block.MaxX; x++ {
					value, variance, mask := science.At(x, y)
					c, ok := convolveAt(template, k, x, y)
					if !ok {
						out.Set(x, y, 0, 0, mask|edge)
						continue
					}
					tv := convolveVarianceAt(template, sq, x, y)
					out.Set(x, y, T(float64(value)-c-bg), T(float64(variance)+tv), mask|templateMaskAt(template, k, x, y))
				}
			}
		}
	}
	return out, nil
}

// templateMaskAt ORs the template mask bits under the kernel footprint.
func templateMaskAt[T image.Pixel](img *image.MaskedImage[T], k Kernel, x, y int) image.MaskPixel {
	var bits image.MaskPixel
	x0, y0 := x-k.CtrX, y-k.CtrY
	for j := 0; j < k.Height; j++ {
		for i := 0; i < k.Width; i++ {
			_, _, m := img.At(x0+i, y0+j)
			bits |= m
		}
	}
	return bits
}
