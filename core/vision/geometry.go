package vision

import (
	"math"
)

// Landmark indices in the 68-point iBUG 300-W ordering.
const (
	JawLeft      = 0
	Chin         = 8
	JawRight     = 16
	LeftBrowMid  = 19
	RightBrowMid = 24
	NoseTip      = 30
	LeftEyeFrom  = 36 // 36..41
	RightEyeFrom = 42 // 42..47

	LandmarkCount = 68
)

type Point struct {
	X float64 `msgpack:"x" json:"x"`
	Y float64 `msgpack:"y" json:"y"`
}

// Descriptor is a face embedding; the reference identity of a session is one of these.
type Descriptor []float64

// Distance is the Euclidean distance between two descriptors of the same length.
func Distance(a, b Descriptor) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

// HeadPose estimates yaw and pitch from landmark positions alone. Both are zero for a
// frontal face; yaw is positive when the nose moves toward increasing x.
func HeadPose(lm []Point) (yaw, pitch float64) {
	left, right := lm[JawLeft], lm[JawRight]
	nose := lm[NoseTip]
	brow := Point{
		X: (lm[LeftBrowMid].X + lm[RightBrowMid].X) / 2,
		Y: (lm[LeftBrowMid].Y + lm[RightBrowMid].Y) / 2,
	}

	if faceWidth := right.X - left.X; faceWidth > 0 {
		yaw = 2 * ((nose.X-left.X)/faceWidth - .5)
	}

	var eyeY float64
	for i := LeftEyeFrom; i < RightEyeFrom+6; i++ {
		eyeY += lm[i].Y
	}
	eyeY /= 12
	if faceHeight := lm[Chin].Y - brow.Y; faceHeight > 0 {
		pitch = 2 * ((nose.Y-eyeY)/faceHeight - .4)
	}
	return yaw, pitch
}

// eyeRatio locates the pupil of one eye (six landmarks from `from`) between its corners:
// 0 at the first corner, 1 at the second. ok is false for a degenerate eye.
func eyeRatio(lm []Point, from int) (ratio float64, ok bool) {
	corner1, corner2 := lm[from], lm[from+3]
	width := corner2.X - corner1.X
	if width == 0 {
		return 0, false
	}
	pupilX := (lm[from+2].X + lm[from+4].X) / 2 // inner upper & lower lid
	return (pupilX - corner1.X) / width, true
}

// GazeRatio averages the pupil position of both eyes; .5 is centered.
func GazeRatio(lm []Point) (float64, bool) {
	l, lok := eyeRatio(lm, LeftEyeFrom)
	r, rok := eyeRatio(lm, RightEyeFrom)
	switch {
	case lok && rok:
		return (l + r) / 2, true
	case lok:
		return l, true
	case rok:
		return r, true
	}
	return 0, false
}
