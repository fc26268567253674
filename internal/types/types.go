package types

import "fmt"

// DescriptorDim is the length of the face descriptors produced by the detectors and
// stored in the identity index.
const DescriptorDim = 128

// FaceResult is one face as decoded from the engine protocol.
type FaceResult struct {
	Loc []int     // [top, right, bottom, left]
	Vec []float64 // 128-d face encoding
}

// Box is a face bounding box in pixel coordinates, ordered like the detectors report it.
type Box struct {
	Top    int `json:"top"`
	Right  int `json:"right"`
	Bottom int `json:"bottom"`
	Left   int `json:"left"`
}

// BoxFromLoc converts a [top, right, bottom, left] slice into a Box.
func BoxFromLoc(loc []int) (Box, error) {
	if len(loc) != 4 {
		return Box{}, fmt.Errorf("expected 4 coordinates, got %d", len(loc))
	}
	return Box{Top: loc[0], Right: loc[1], Bottom: loc[2], Left: loc[3]}, nil
}

// Width returns the horizontal extent of the box.
func (b Box) Width() int { return b.Right - b.Left }

// Height returns the vertical extent of the box.
func (b Box) Height() int { return b.Bottom - b.Top }

// Descriptor is a fixed-length face embedding.
type Descriptor []float64

// Detection is one face found by a detector, in detection order.
type Detection struct {
	Box        Box
	Descriptor Descriptor
}

// Neighbor is one hit returned by the identity index, ordered by descending similarity.
type Neighbor struct {
	IdentityID string
	Similarity float64
}

// Profile is the displayable part of an enrolled identity.
type Profile struct {
	IdentityID  string `json:"identity_id"`
	DisplayName string `json:"name"`
	Contact     string `json:"phone_number"`
}

// FaceMatch is the recognition outcome for one detected face.
// Unidentified matches only carry the Box.
type FaceMatch struct {
	Identified  bool    `json:"identified" msgpack:"identified"`
	IdentityID  string  `json:"identity_id,omitempty" msgpack:"identity_id,omitempty"`
	DisplayName string  `json:"name,omitempty" msgpack:"name,omitempty"`
	Contact     string  `json:"contact,omitempty" msgpack:"contact,omitempty"`
	Similarity  float64 `json:"similarity,omitempty" msgpack:"similarity,omitempty"`
	Box         Box     `json:"box" msgpack:"box"`
}

// Unidentified builds a match that only records where the face was.
func Unidentified(box Box) FaceMatch {
	return FaceMatch{Box: box}
}

// Result is the ordered list of matches for one frame.
type Result []FaceMatch

// Clone returns a copy that does not share backing storage with r.
func (r Result) Clone() Result {
	if r == nil {
		return nil
	}
	out := make(Result, len(r))
	copy(out, r)
	return out
}

// Identified returns only the identified matches.
func (r Result) Identified() Result {
	var out Result
	for _, m := range r {
		if m.Identified {
			out = append(out, m)
		}
	}
	return out
}
