package facematch

// BBox is a face bounding box [x1, y1, x2, y2] in pixel coordinates.
type BBox [4]float64

// Width returns the box width, zero for inverted boxes.
func (b BBox) Width() float64 {
	return max(b[2]-b[0], 0)
}

// Height returns the box height, zero for inverted boxes.
func (b BBox) Height() float64 {
	return max(b[3]-b[1], 0)
}

// Area returns the box area.
func (b BBox) Area() float64 {
	return b.Width() * b.Height()
}

// BBoxFromSlice converts a detector bbox slice. Malformed input gives a zero box.
func BBoxFromSlice(s []float64) BBox {
	if len(s) != 4 {
		return BBox{}
	}
	return BBox{s[0], s[1], s[2], s[3]}
}
