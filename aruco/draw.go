package aruco

import (
	"fmt"
	"image"
	"math"
)

// DrawMarker renders marker id as a sidePixels square with its black border.
// Cells are distributed as evenly as integer pixels allow.
func DrawMarker(id, sidePixels int) (*image.Gray, error) {
	bits, err := Bits(id)
	if err != nil {
		return nil, err
	}
	if sidePixels < MarkerCells {
		return nil, fmt.Errorf("aruco: marker side %d is smaller than %d cells", sidePixels, MarkerCells)
	}

	img := image.NewGray(image.Rect(0, 0, sidePixels, sidePixels))
	for y := 0; y < sidePixels; y++ {
		cy := y * MarkerCells / sidePixels
		row := img.Pix[y*img.Stride : y*img.Stride+sidePixels]
		for x := range row {
			cx := x * MarkerCells / sidePixels
			if cellWhite(bits, cx, cy) {
				row[x] = 255
			}
		}
	}
	return img, nil
}

// cellWhite reports the colour of cell (cx, cy) of the full 7x7 grid.
func cellWhite(bits Grid, cx, cy int) bool {
	if cx == 0 || cy == 0 || cx == MarkerCells-1 || cy == MarkerCells-1 {
		return false
	}
	return bits[cy-1][cx-1]
}

// RenderQuad paints marker id into dst so that its outer corners land on
// quad (top-left first, clockwise). Pixels are sampled at their centres
// without anti-aliasing; pixels outside the marker are left untouched.
func RenderQuad(dst *image.Gray, id int, quad [4]Point) error {
	bits, err := Bits(id)
	if err != nil {
		return err
	}
	side := float64(MarkerCells)
	h, err := solveHomography(quad, [4]Point{{X: 0, Y: 0}, {X: side, Y: 0}, {X: side, Y: side}, {X: 0, Y: side}})
	if err != nil {
		return err
	}

	minX, minY := quad[0].X, quad[0].Y
	maxX, maxY := minX, minY
	for _, p := range quad[1:] {
		minX, maxX = math.Min(minX, p.X), math.Max(maxX, p.X)
		minY, maxY = math.Min(minY, p.Y), math.Max(maxY, p.Y)
	}
	area := image.Rect(int(math.Floor(minX)), int(math.Floor(minY)), int(math.Ceil(maxX))+1, int(math.Ceil(maxY))+1).
		Intersect(dst.Bounds())

	for y := area.Min.Y; y < area.Max.Y; y++ {
		for x := area.Min.X; x < area.Max.X; x++ {
			u, v, ok := applyHomography(h, float64(x), float64(y))
			if !ok || u < 0 || v < 0 || u >= side || v >= side {
				continue
			}
			var c uint8
			if cellWhite(bits, int(u), int(v)) {
				c = 255
			}
			dst.Pix[dst.PixOffset(x, y)] = c
		}
	}
	return nil
}
