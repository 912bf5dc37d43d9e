package zoom

import (
	"math"

	"github.com/gegl-go/tilestore/pkg/backend"
)

// downscaleFunc writes a 2x2 box-filtered copy of src (a full child tile)
// into the quadrant of dst starting at pixel offset (dx, dy).
type downscaleFunc func(src, dst []byte, geometry backend.Geometry, dx, dy int)

func (h *Handler) ensureDownscale() {
	if h.downscale != nil {
		return
	}
	switch h.format {
	case FormatRGBAF32:
		h.downscale = downscaleRGBAF32
	default:
		h.downscale = downscaleRGBAU8
	}
}

// downscaleRGBAU8 averages each 2x2 block of src (four uint8 channels per
// pixel) into one pixel of dst, writing into dst's quadrant at (dx, dy).
func downscaleRGBAU8(src, dst []byte, geometry backend.Geometry, dx, dy int) {
	const channels = 4
	srcStride := geometry.TileWidth * channels
	dstStride := geometry.TileWidth * channels
	w := geometry.TileWidth / 2
	h := geometry.TileHeight / 2

	for row := 0; row < h; row++ {
		srcRow0 := (row * 2) * srcStride
		srcRow1 := srcRow0 + srcStride
		dstRow := (dy + row) * dstStride

		for col := 0; col < w; col++ {
			s00 := srcRow0 + (col*2)*channels
			s10 := srcRow0 + (col*2+1)*channels
			s01 := srcRow1 + (col*2)*channels
			s11 := srcRow1 + (col*2+1)*channels
			d := dstRow + (dx+col)*channels

			for c := 0; c < channels; c++ {
				sum := uint16(src[s00+c]) + uint16(src[s10+c]) + uint16(src[s01+c]) + uint16(src[s11+c])
				dst[d+c] = byte(sum / 4)
			}
		}
	}
}

// downscaleRGBAF32 is the float32 analogue of downscaleRGBAU8, used for
// linear-light or high-precision buffers.
func downscaleRGBAF32(src, dst []byte, geometry backend.Geometry, dx, dy int) {
	const channels = 4
	const wordSize = 4
	srcStride := geometry.TileWidth * channels * wordSize
	dstStride := geometry.TileWidth * channels * wordSize
	w := geometry.TileWidth / 2
	h := geometry.TileHeight / 2

	for row := 0; row < h; row++ {
		srcRow0 := (row * 2) * srcStride
		srcRow1 := srcRow0 + srcStride
		dstRow := (dy + row) * dstStride

		for col := 0; col < w; col++ {
			s00 := srcRow0 + (col*2)*channels*wordSize
			s10 := srcRow0 + (col*2+1)*channels*wordSize
			s01 := srcRow1 + (col*2)*channels*wordSize
			s11 := srcRow1 + (col*2+1)*channels*wordSize
			d := dstRow + (dx+col)*channels*wordSize

			for c := 0; c < channels; c++ {
				v := (readF32(src, s00+c*wordSize) +
					readF32(src, s10+c*wordSize) +
					readF32(src, s01+c*wordSize) +
					readF32(src, s11+c*wordSize)) / 4
				writeF32(dst, d+c*wordSize, v)
			}
		}
	}
}

func readF32(b []byte, off int) float32 {
	bits := uint32(b[off]) | uint32(b[off+1])<<8 | uint32(b[off+2])<<16 | uint32(b[off+3])<<24
	return math.Float32frombits(bits)
}

func writeF32(b []byte, off int, v float32) {
	bits := math.Float32bits(v)
	b[off] = byte(bits)
	b[off+1] = byte(bits >> 8)
	b[off+2] = byte(bits >> 16)
	b[off+3] = byte(bits >> 24)
}
