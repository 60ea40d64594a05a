// Package aruco finds square fiducial markers of the "ArUco original"
// dictionary in intensity images.
package aruco

import (
	"errors"
	"fmt"
)

const (
	// DictionarySize is the number of distinct marker ids.
	DictionarySize = 1024
	// DataCells is the side of the data grid.
	DataCells = 5
	// MarkerCells is the side of the full grid including the black border.
	MarkerCells = DataCells + 2
)

// ErrInvalidMarkerID is returned for ids outside [0, DictionarySize).
var ErrInvalidMarkerID = errors.New("aruco: marker id out of range")

// rowWords are the four 5-bit row patterns, most significant bit leftmost.
// A set bit is a white cell. Each data row carries two bits of the id.
var rowWords = [4]uint8{0x10, 0x17, 0x09, 0x0e}

// Grid is a square cell grid; true means white.
type Grid [DataCells][DataCells]bool

// Bits returns the data grid of a marker.
func Bits(id int) (Grid, error) {
	var g Grid
	if id < 0 || id >= DictionarySize {
		return g, fmt.Errorf("%w: %d", ErrInvalidMarkerID, id)
	}
	for y := 0; y < DataCells; y++ {
		word := rowWords[(id>>(2*(DataCells-1-y)))&3]
		for x := 0; x < DataCells; x++ {
			g[y][x] = (word>>(DataCells-1-x))&1 == 1
		}
	}
	return g, nil
}

// Identify matches a data grid read off an image against the dictionary.
// It returns the id and the number of counter-clockwise quarter turns that
// bring the observed grid upright. The observed corner j is then the
// marker's corner (j+4-rotation)%4, see reorderCorners.
func Identify(observed Grid) (id, rotation int, ok bool) {
	g := observed
	for k := 0; k < 4; k++ {
		if id, ok := decode(g); ok {
			return id, k, true
		}
		g = rotateCCW(g)
	}
	return 0, 0, false
}

// decode reads an upright grid row by row.
func decode(g Grid) (int, bool) {
	id := 0
	for y := 0; y < DataCells; y++ {
		var word uint8
		for x := 0; x < DataCells; x++ {
			word <<= 1
			if g[y][x] {
				word |= 1
			}
		}
		idx := -1
		for i, w := range rowWords {
			if w == word {
				idx = i
				break
			}
		}
		if idx < 0 {
			return 0, false
		}
		id = id<<2 | idx
	}
	return id, true
}

func rotateCCW(g Grid) Grid {
	var out Grid
	for r := 0; r < DataCells; r++ {
		for c := 0; c < DataCells; c++ {
			out[r][c] = g[c][DataCells-1-r]
		}
	}
	return out
}
