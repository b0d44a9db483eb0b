package domain

// Detection is one object reported by the object detector for a frame.
type Detection struct {
	Class string    `json:"class"`
	Score float64   `json:"score"`
	Box   []float64 `json:"box,omitempty"`
}

// disallowedObjects are the object classes the proctoring rules care about.
var disallowedObjects = map[string]bool{
	"cell phone": true,
	"book":       true,
	"laptop":     true,
	"keyboard":   true,
}

// DisallowedObject reports whether a detected class violates the rules.
func DisallowedObject(class string) bool {
	return disallowedObjects[class]
}

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Face carries the landmarks the gaze heuristic needs. Coordinates are
// normalized to the frame ([0,1]).
type Face struct {
	LeftEye  Point `json:"leftEye"`
	RightEye Point `json:"rightEye"`
	Nose     Point `json:"nose"`
}
