package biometric

import "math"

const (
	// RegionSize is the side of the square sampled around the frame center.
	RegionSize = 100
	// SampleStride is the distance between sampled points on both axes.
	SampleStride = 10
	// VectorLength is the feature vector length for frames covering the region.
	VectorLength = (RegionSize / SampleStride) * (RegionSize / SampleStride) * 3
)

// FeatureVector is an ordered sequence of numeric samples.
type FeatureVector []float64

// Clone returns a copy that does not share the backing array.
func (v FeatureVector) Clone() FeatureVector {
	if v == nil {
		return nil
	}
	out := make(FeatureVector, len(v))
	copy(out, v)
	return out
}

// Extract samples the centered region of frame on a regular grid and appends
// the first three channel values of every in-bounds point, row by row.
func Extract(frame Frame) (FeatureVector, error) {
	if err := frame.Validate(); err != nil {
		return nil, err
	}

	centerX := float64(frame.Width) / 2
	centerY := float64(frame.Height) / 2
	half := float64(RegionSize) / 2

	vector := make(FeatureVector, 0, VectorLength)
	for y := centerY - half; y < centerY+half; y += SampleStride {
		row := int(math.Floor(y))
		if row < 0 || row >= frame.Height {
			continue
		}
		for x := centerX - half; x < centerX+half; x += SampleStride {
			col := int(math.Floor(x))
			if col < 0 || col >= frame.Width {
				continue
			}
			idx := (row*frame.Width + col) * frame.Channels
			vector = append(vector,
				float64(frame.Pixels[idx]),
				float64(frame.Pixels[idx+1]),
				float64(frame.Pixels[idx+2]),
			)
		}
	}

	if len(vector) == 0 {
		return nil, ErrNoFaceDetected
	}
	return vector, nil
}
