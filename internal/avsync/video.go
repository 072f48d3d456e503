package avsync

// VideoClock tracks the timestamp expected for the next decoded picture so
// that frames without a timestamp can be placed.
type VideoClock struct {
	next float64
}

// Sync returns the presentation time for a frame. A non-zero pts
// re-anchors the clock; zero means undefined and the clock value is used.
// The clock then advances by one frame duration plus half a duration per
// repeated field.
func (v *VideoClock) Sync(pts, frameDuration float64, repeatPict int) float64 {
	if pts != 0 {
		v.next = pts
	} else {
		pts = v.next
	}
	delay := frameDuration + float64(repeatPict)*(frameDuration*0.5)
	v.next += delay
	return pts
}

// Next returns the timestamp the next undefined frame would receive.
func (v *VideoClock) Next() float64 {
	return v.next
}
