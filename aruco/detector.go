package aruco

import (
	"errors"
	"fmt"
	"image"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"

	"aruco_bridge/camera"
)

// Point is an image position in pixels; pixel centres sit on integer
// coordinates.
type Point = camera.Point

// Marker is one identified marker. Corners run clockwise on screen starting
// at the marker's own top-left corner.
type Marker struct {
	ID      int
	Corners [4]Point
}

// Center returns the mean of the four corners.
func (m Marker) Center() Point {
	var c Point
	for _, p := range m.Corners {
		c.X += p.X
		c.Y += p.Y
	}
	return Point{X: c.X / 4, Y: c.Y / 4}
}

// MarkerDetector finds markers in an intensity image. Markers are returned in
// detection order, which is not sorted by id.
type MarkerDetector interface {
	DetectMarkers(img *image.Gray) ([]Marker, error)
}

// Detector errors
var (
	ErrNilImage      = errors.New("aruco: nil image")
	ErrInvalidParams = errors.New("aruco: invalid detector parameters")
)

// Params tunes candidate search and bit extraction. The defaults match the
// stock OpenCV detector parameters.
type Params struct {
	// ThresholdWindows are the odd side lengths of the adaptive threshold
	// neighbourhoods; every window contributes candidates.
	ThresholdWindows []int
	// ThresholdConstant is subtracted from the local mean.
	ThresholdConstant float64
	// Candidate perimeters must lie within these multiples of the larger
	// image side.
	MinPerimeterRate float64
	MaxPerimeterRate float64
	// PolygonalApproxAccuracyRate scales the perimeter into the polygon
	// simplification tolerance.
	PolygonalApproxAccuracyRate float64
	// MinCornerDistanceRate is the shortest allowed side as a fraction of the
	// perimeter.
	MinCornerDistanceRate float64
	// MinDistanceToBorder is in pixels.
	MinDistanceToBorder int
	// CellMarginRate is the fraction of each cell ignored on every side when
	// sampling.
	CellMarginRate float64
	// SamplesPerCell is the side of the per-cell sample grid.
	SamplesPerCell int
	// MinOtsuStdDev below which the cells are split at mid-gray instead.
	MinOtsuStdDev float64
	// MaxErroneousBorderRate scales DataCells² into the number of white
	// border cells tolerated.
	MaxErroneousBorderRate float64
}

// DefaultParams returns the stock parameters.
func DefaultParams() Params {
	return Params{
		ThresholdWindows:            []int{3, 13, 23},
		ThresholdConstant:           7,
		MinPerimeterRate:            0.03,
		MaxPerimeterRate:            4,
		PolygonalApproxAccuracyRate: 0.03,
		MinCornerDistanceRate:       0.05,
		MinDistanceToBorder:         3,
		CellMarginRate:              0.13,
		SamplesPerCell:              4,
		MinOtsuStdDev:               5,
		MaxErroneousBorderRate:      0.35,
	}
}

// Validate reports the first unusable parameter.
func (p Params) Validate() error {
	if len(p.ThresholdWindows) == 0 {
		return fmt.Errorf("%w: no threshold windows", ErrInvalidParams)
	}
	for _, w := range p.ThresholdWindows {
		if w < 3 || w%2 == 0 {
			return fmt.Errorf("%w: threshold window %d must be odd and at least 3", ErrInvalidParams, w)
		}
	}
	switch {
	case p.MinPerimeterRate <= 0 || p.MaxPerimeterRate <= p.MinPerimeterRate:
		return fmt.Errorf("%w: perimeter rates %g..%g", ErrInvalidParams, p.MinPerimeterRate, p.MaxPerimeterRate)
	case p.PolygonalApproxAccuracyRate <= 0:
		return fmt.Errorf("%w: polygonal approximation rate %g", ErrInvalidParams, p.PolygonalApproxAccuracyRate)
	case p.CellMarginRate < 0 || p.CellMarginRate >= 0.5:
		return fmt.Errorf("%w: cell margin rate %g", ErrInvalidParams, p.CellMarginRate)
	case p.SamplesPerCell < 1:
		return fmt.Errorf("%w: samples per cell %d", ErrInvalidParams, p.SamplesPerCell)
	case p.MinDistanceToBorder < 0 || p.MinCornerDistanceRate < 0 || p.MaxErroneousBorderRate < 0:
		return fmt.Errorf("%w: negative filter value", ErrInvalidParams)
	}
	return nil
}

// Detector is the pure Go marker detector. It holds no per-frame state and
// may be shared.
type Detector struct {
	params    Params
	maxBorder int
}

// NewDetector validates p and builds a detector.
func NewDetector(p Params) (*Detector, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	p.ThresholdWindows = append([]int(nil), p.ThresholdWindows...)
	return &Detector{
		params:    p,
		maxBorder: int(float64(DataCells*DataCells) * p.MaxErroneousBorderRate),
	}, nil
}

// candidate is a clockwise quadrilateral awaiting identification.
type candidate struct {
	corners   [4]Point
	perimeter float64
}

// DetectMarkers implements MarkerDetector.
func (d *Detector) DetectMarkers(img *image.Gray) ([]Marker, error) {
	if img == nil {
		return nil, ErrNilImage
	}
	g := newPlane(img)
	if g.w == 0 || g.h == 0 {
		return nil, nil
	}

	integral := g.integral()
	mask := make([]bool, g.w*g.h)
	var cands []candidate
	for _, win := range d.params.ThresholdWindows {
		g.threshold(integral, win, d.params.ThresholdConstant, mask)
		cands = append(cands, d.findCandidates(mask, g.w, g.h)...)
	}

	// Larger candidates first so that an outer contour wins over the inner
	// contour of the same marker.
	sort.SliceStable(cands, func(i, j int) bool {
		return cands[i].perimeter > cands[j].perimeter
	})

	var markers []Marker
	for _, c := range cands {
		if coveredBy(centroid(c.corners), markers) {
			continue
		}
		if m, ok := d.identify(g, c.corners); ok {
			markers = append(markers, m)
		}
	}
	return markers, nil
}

// plane is a zero-origin view of an *image.Gray.
type plane struct {
	pix    []uint8
	stride int
	w, h   int
}

func newPlane(img *image.Gray) plane {
	b := img.Bounds()
	if b.Empty() {
		return plane{}
	}
	return plane{
		pix:    img.Pix[img.PixOffset(b.Min.X, b.Min.Y):],
		stride: img.Stride,
		w:      b.Dx(),
		h:      b.Dy(),
	}
}

func (g plane) at(x, y int) uint8 {
	return g.pix[y*g.stride+x]
}

// integral returns the (w+1)x(h+1) summed-area table.
func (g plane) integral() []int64 {
	iw := g.w + 1
	sums := make([]int64, iw*(g.h+1))
	for y := 0; y < g.h; y++ {
		var row int64
		for x := 0; x < g.w; x++ {
			row += int64(g.at(x, y))
			sums[(y+1)*iw+x+1] = sums[y*iw+x+1] + row
		}
	}
	return sums
}

// threshold marks pixels darker than their local mean minus c.
func (g plane) threshold(sums []int64, win int, c float64, mask []bool) {
	iw := g.w + 1
	r := win / 2
	for y := 0; y < g.h; y++ {
		y0, y1 := max(0, y-r), min(g.h-1, y+r)
		for x := 0; x < g.w; x++ {
			x0, x1 := max(0, x-r), min(g.w-1, x+r)
			sum := sums[(y1+1)*iw+x1+1] - sums[y0*iw+x1+1] - sums[(y1+1)*iw+x0] + sums[y0*iw+x0]
			n := float64((x1 - x0 + 1) * (y1 - y0 + 1))
			mask[y*g.w+x] = float64(g.at(x, y)) <= float64(sum)/n-c
		}
	}
}

// findCandidates walks the 8-connected dark components of mask and keeps the
// ones whose outline simplifies to a plausible quadrilateral.
func (d *Detector) findCandidates(mask []bool, w, h int) []candidate {
	longSide := float64(max(w, h))
	minPerim := d.params.MinPerimeterRate * longSide
	maxPerim := d.params.MaxPerimeterRate * longSide

	visited := make([]bool, len(mask))
	var (
		stack  []int
		pixels []int
		out    []candidate
	)
	for start, dark := range mask {
		if !dark || visited[start] {
			continue
		}
		visited[start] = true
		stack = append(stack[:0], start)
		pixels = pixels[:0]
		minX, minY, maxX, maxY := w, h, -1, -1
		for len(stack) > 0 {
			i := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			pixels = append(pixels, i)
			x, y := i%w, i/w
			minX, maxX = min(minX, x), max(maxX, x)
			minY, maxY = min(minY, y), max(maxY, y)
			for dy := -1; dy <= 1; dy++ {
				ny := y + dy
				if ny < 0 || ny >= h {
					continue
				}
				for dx := -1; dx <= 1; dx++ {
					nx := x + dx
					if nx < 0 || nx >= w {
						continue
					}
					j := ny*w + nx
					if mask[j] && !visited[j] {
						visited[j] = true
						stack = append(stack, j)
					}
				}
			}
		}

		perim := float64(2 * (maxX - minX + 1 + maxY - minY + 1))
		if perim < minPerim || perim > maxPerim {
			continue
		}
		if c, ok := d.quadFromComponent(pixels, w, minX, minY, maxX, maxY); ok {
			out = append(out, c)
		}
	}
	return out
}

// quadFromComponent fits a quadrilateral to the convex outline of a
// component and applies the geometric filters.
func (d *Detector) quadFromComponent(pixels []int, w, minX, minY, maxX, maxY int) (candidate, bool) {
	rows := maxY - minY + 1
	rowMin := make([]int, rows)
	rowMax := make([]int, rows)
	for i := range rowMin {
		rowMin[i], rowMax[i] = maxX+1, minX-1
	}
	for _, i := range pixels {
		x, r := i%w, i/w-minY
		rowMin[r] = min(rowMin[r], x)
		rowMax[r] = max(rowMax[r], x)
	}

	// Outline the union of pixel squares, so edges sit half a pixel outside
	// the extreme pixel centres.
	pts := make([]Point, 0, 4*rows)
	for r := 0; r < rows; r++ {
		if rowMin[r] > rowMax[r] {
			continue
		}
		y := float64(minY + r)
		lo, hi := float64(rowMin[r])-0.5, float64(rowMax[r])+0.5
		pts = append(pts,
			Point{X: lo, Y: y - 0.5}, Point{X: lo, Y: y + 0.5},
			Point{X: hi, Y: y - 0.5}, Point{X: hi, Y: y + 0.5})
	}

	hull := convexHull(pts)
	if len(hull) < 4 {
		return candidate{}, false
	}
	eps := d.params.PolygonalApproxAccuracyRate * closedLength(hull)
	quad := approxPolygon(hull, eps)
	if len(quad) != 4 {
		return candidate{}, false
	}

	var c candidate
	copy(c.corners[:], quad)
	c.perimeter = closedLength(quad)

	minSide := d.params.MinCornerDistanceRate * c.perimeter
	for i := 0; i < 4; i++ {
		if dist(c.corners[i], c.corners[(i+1)%4]) < minSide {
			return candidate{}, false
		}
	}

	return c, true
}

// cross returns the z component of (a-o) x (b-o).
func cross(o, a, b Point) float64 {
	return (a.X-o.X)*(b.Y-o.Y) - (a.Y-o.Y)*(b.X-o.X)
}

func dist(a, b Point) float64 {
	return math.Hypot(a.X-b.X, a.Y-b.Y)
}

func closedLength(poly []Point) float64 {
	var l float64
	for i := range poly {
		l += dist(poly[i], poly[(i+1)%len(poly)])
	}
	return l
}

// convexHull is Andrew's monotone chain. Collinear points are dropped.
func convexHull(pts []Point) []Point {
	sort.Slice(pts, func(i, j int) bool {
		if pts[i].X != pts[j].X {
			return pts[i].X < pts[j].X
		}
		return pts[i].Y < pts[j].Y
	})
	if len(pts) < 3 {
		return pts
	}
	hull := make([]Point, 0, 2*len(pts))
	for _, p := range pts {
		for len(hull) >= 2 && cross(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}
	lower := len(hull) + 1
	for i := len(pts) - 2; i >= 0; i-- {
		p := pts[i]
		for len(hull) >= lower && cross(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}
	return hull[:len(hull)-1]
}

// approxPolygon simplifies a closed polygon with Douglas-Peucker. The split
// starts at the two mutually distant vertices, as OpenCV's approxPolyDP does
// for closed curves.
func approxPolygon(poly []Point, eps float64) []Point {
	n := len(poly)
	if n < 3 {
		return poly
	}
	a := farthestFrom(poly, 0)
	b := farthestFrom(poly, a)
	if a > b {
		a, b = b, a
	}
	if a == b {
		return poly[:1]
	}

	keep := []int{a}
	keep = append(keep, simplifyChain(poly, a, b, eps)...)
	keep = append(keep, b)
	keep = append(keep, simplifyChain(poly, b, a+n, eps)...)

	out := make([]Point, len(keep))
	for i, k := range keep {
		out[i] = poly[k%n]
	}
	return out
}

func farthestFrom(poly []Point, i int) int {
	best, bestD := i, -1.0
	for j, p := range poly {
		if d := dist(poly[i], p); d > bestD {
			best, bestD = j, d
		}
	}
	return best
}

// simplifyChain returns the vertices strictly between s and e (indices taken
// modulo len(poly)) that Douglas-Peucker keeps, in order.
func simplifyChain(poly []Point, s, e int, eps float64) []int {
	if e-s < 2 {
		return nil
	}
	n := len(poly)
	p0, p1 := poly[s%n], poly[e%n]
	length := dist(p0, p1)
	best, bestD := -1, 0.0
	for k := s + 1; k < e; k++ {
		var d float64
		if length == 0 {
			d = dist(p0, poly[k%n])
		} else {
			d = math.Abs(cross(p0, p1, poly[k%n])) / length
		}
		if d > bestD {
			best, bestD = k, d
		}
	}
	if bestD <= eps {
		return nil
	}
	out := simplifyChain(poly, s, best, eps)
	out = append(out, best)
	return append(out, simplifyChain(poly, best, e, eps)...)
}

// identify orders, samples and decodes a candidate quadrilateral.
func (d *Detector) identify(g plane, quad [4]Point) (Marker, bool) {
	if cross(quad[0], quad[1], quad[2]) < 0 {
		quad[1], quad[3] = quad[3], quad[1]
	}

	border := float64(d.params.MinDistanceToBorder)
	for _, p := range quad {
		if p.X < border || p.Y < border || p.X > float64(g.w-1)-border || p.Y > float64(g.h-1)-border {
			return Marker{}, false
		}
	}

	h, err := squareToQuad(quad, MarkerCells)
	if err != nil {
		return Marker{}, false
	}
	cells, ok := d.readCells(g, h)
	if !ok {
		return Marker{}, false
	}

	errorsInBorder := 0
	for i := 0; i < MarkerCells; i++ {
		for _, c := range [4][2]int{{0, i}, {MarkerCells - 1, i}, {i, 0}, {i, MarkerCells - 1}} {
			if cells[c[0]][c[1]] {
				errorsInBorder++
			}
		}
	}
	// Corner cells were counted twice.
	for _, c := range [4][2]int{{0, 0}, {0, MarkerCells - 1}, {MarkerCells - 1, 0}, {MarkerCells - 1, MarkerCells - 1}} {
		if cells[c[0]][c[1]] {
			errorsInBorder--
		}
	}
	if errorsInBorder > d.maxBorder {
		return Marker{}, false
	}

	var data Grid
	for y := 0; y < DataCells; y++ {
		for x := 0; x < DataCells; x++ {
			data[y][x] = cells[y+1][x+1]
		}
	}
	id, rotation, ok := Identify(data)
	if !ok {
		return Marker{}, false
	}
	return Marker{ID: id, Corners: reorderCorners(quad, rotation)}, true
}

// reorderCorners makes the marker's own top-left corner come first given the
// rotation reported by Identify.
func reorderCorners(c [4]Point, rotation int) [4]Point {
	var out [4]Point
	for j := range out {
		out[j] = c[(j+rotation)%4]
	}
	return out
}

// readCells samples the 7x7 grid through h and binarises it. Row-major,
// true is white.
func (d *Detector) readCells(g plane, h [9]float64) ([MarkerCells][MarkerCells]bool, bool) {
	var cells [MarkerCells][MarkerCells]bool
	s := d.params.SamplesPerCell
	margin := d.params.CellMarginRate
	step := (1 - 2*margin) / float64(s)

	samples := make([]uint8, 0, MarkerCells*MarkerCells*s*s)
	for cy := 0; cy < MarkerCells; cy++ {
		for cx := 0; cx < MarkerCells; cx++ {
			for sy := 0; sy < s; sy++ {
				v := float64(cy) + margin + (float64(sy)+0.5)*step
				for sx := 0; sx < s; sx++ {
					u := float64(cx) + margin + (float64(sx)+0.5)*step
					px, py, ok := applyHomography(h, u, v)
					if !ok {
						return cells, false
					}
					samples = append(samples, g.bilinear(px, py))
				}
			}
		}
	}

	perCell := s * s
	var mean, sq float64
	for _, v := range samples {
		mean += float64(v)
	}
	mean /= float64(len(samples))
	for _, v := range samples {
		sq += (float64(v) - mean) * (float64(v) - mean)
	}
	stddev := math.Sqrt(sq / float64(len(samples)))

	if stddev < d.params.MinOtsuStdDev {
		for i := 0; i < MarkerCells*MarkerCells; i++ {
			var sum float64
			for _, v := range samples[i*perCell : (i+1)*perCell] {
				sum += float64(v)
			}
			cells[i/MarkerCells][i%MarkerCells] = sum/float64(perCell) > 127
		}
		return cells, true
	}

	t := otsuThreshold(samples)
	for i := 0; i < MarkerCells*MarkerCells; i++ {
		white := 0
		for _, v := range samples[i*perCell : (i+1)*perCell] {
			if v > t {
				white++
			}
		}
		cells[i/MarkerCells][i%MarkerCells] = 2*white > perCell
	}
	return cells, true
}

// bilinear samples at a sub-pixel position, clamping at the edges.
func (g plane) bilinear(x, y float64) uint8 {
	x = math.Max(0, math.Min(x, float64(g.w-1)))
	y = math.Max(0, math.Min(y, float64(g.h-1)))
	x0, y0 := int(x), int(y)
	x1, y1 := min(x0+1, g.w-1), min(y0+1, g.h-1)
	fx, fy := x-float64(x0), y-float64(y0)
	top := float64(g.at(x0, y0))*(1-fx) + float64(g.at(x1, y0))*fx
	bot := float64(g.at(x0, y1))*(1-fx) + float64(g.at(x1, y1))*fx
	return uint8(math.Round(top*(1-fy) + bot*fy))
}

// otsuThreshold returns the level that maximises between-class variance.
// Values strictly above it are white.
func otsuThreshold(samples []uint8) uint8 {
	var hist [256]int
	for _, v := range samples {
		hist[v]++
	}
	total := float64(len(samples))
	var sumAll float64
	for i, c := range hist {
		sumAll += float64(i * c)
	}

	var (
		wB, sumB float64
		best     float64 = -1
		t        uint8
	)
	for i, c := range hist {
		wB += float64(c)
		if wB == 0 {
			continue
		}
		wF := total - wB
		if wF == 0 {
			break
		}
		sumB += float64(i * c)
		mB := sumB / wB
		mF := (sumAll - sumB) / wF
		if between := wB * wF * (mB - mF) * (mB - mF); between > best {
			best, t = between, uint8(i)
		}
	}
	return t
}

// squareToQuad solves the homography taking the square [0,side]² with
// corners (0,0), (side,0), (side,side), (0,side) onto quad.
func squareToQuad(quad [4]Point, side float64) ([9]float64, error) {
	return solveHomography([4]Point{{X: 0, Y: 0}, {X: side, Y: 0}, {X: side, Y: side}, {X: 0, Y: side}}, quad)
}

// solveHomography returns the projective map with h[8] = 1 taking each
// src[i] to dst[i].
func solveHomography(src, dst [4]Point) ([9]float64, error) {
	a := mat.NewDense(8, 8, nil)
	b := mat.NewVecDense(8, nil)
	for i := 0; i < 4; i++ {
		x, y := src[i].X, src[i].Y
		u, v := dst[i].X, dst[i].Y
		a.SetRow(2*i, []float64{x, y, 1, 0, 0, 0, -u * x, -u * y})
		a.SetRow(2*i+1, []float64{0, 0, 0, x, y, 1, -v * x, -v * y})
		b.SetVec(2*i, u)
		b.SetVec(2*i+1, v)
	}
	var sol mat.VecDense
	if err := sol.SolveVec(a, b); err != nil {
		return [9]float64{}, fmt.Errorf("aruco: degenerate quadrilateral: %w", err)
	}
	var h [9]float64
	for i := 0; i < 8; i++ {
		h[i] = sol.AtVec(i)
	}
	h[8] = 1
	return h, nil
}

func applyHomography(h [9]float64, x, y float64) (float64, float64, bool) {
	w := h[6]*x + h[7]*y + h[8]
	if math.Abs(w) < 1e-12 {
		return 0, 0, false
	}
	return (h[0]*x + h[1]*y + h[2]) / w, (h[3]*x + h[4]*y + h[5]) / w, true
}

func centroid(q [4]Point) Point {
	return Marker{Corners: q}.Center()
}

// coveredBy reports whether p lies inside any accepted marker outline.
func coveredBy(p Point, markers []Marker) bool {
	for _, m := range markers {
		inside := true
		for i := 0; i < 4; i++ {
			if cross(m.Corners[i], m.Corners[(i+1)%4], p) < 0 {
				inside = false
				break
			}
		}
		if inside {
			return true
		}
	}
	return false
}
