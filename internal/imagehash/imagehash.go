// Package imagehash computes a perceptual hash of a screenshot so visually
// near-identical pages can be grouped without a byte-for-byte comparison.
// Perceptual hashing is out of scope for the core per spec.md §1 ("treated
// as a pure function bytes→string"); this package exists only so the CLI and
// capture.Record have something concrete to call.
package imagehash

import (
	"bytes"
	"fmt"
	"image"
	_ "image/png"
)

// hashSize is the edge length of the grayscale grid a hash is computed over,
// matching the dimension the reference implementation's average-hash style
// perceptual hash reduces to.
const hashSize = 8

// Hash computes a perceptual hash of a PNG-encoded screenshot. It decodes
// the image, downsamples it to a hashSize x hashSize grayscale grid, and
// encodes each cell's relation to the grid average as one bit, returned as a
// hex string. Two screenshots that look alike hash to nearby values even
// when their encoded bytes differ.
func Hash(png []byte) (string, error) {
	img, _, err := image.Decode(bytes.NewReader(png))
	if err != nil {
		return "", fmt.Errorf("imagehash: decode: %w", err)
	}

	grid := downsample(img, hashSize)
	var avg float64
	for _, v := range grid {
		avg += v
	}
	avg /= float64(len(grid))

	var bits uint64
	for i, v := range grid {
		if v >= avg {
			bits |= 1 << uint(i)
		}
	}
	return fmt.Sprintf("%016x", bits), nil
}

// downsample reduces img to an n x n grid of grayscale luminance values.
func downsample(img image.Image, n int) []float64 {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	out := make([]float64, 0, n*n)
	for gy := 0; gy < n; gy++ {
		for gx := 0; gx < n; gx++ {
			x := b.Min.X + gx*w/n
			y := b.Min.Y + gy*h/n
			r, g, bl, _ := img.At(x, y).RGBA()
			lum := 0.299*float64(r) + 0.587*float64(g) + 0.114*float64(bl)
			out = append(out, lum)
		}
	}
	return out
}
