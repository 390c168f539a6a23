package facematch

import (
	"context"
	"errors"
)

var (
	// ErrImageTooSmall is returned for images below the minimum dimension.
	ErrImageTooSmall = errors.New("image too small for face detection")
	// ErrNoFace is returned when the detector found no usable face.
	ErrNoFace = errors.New("no face detected")
	// ErrDetectTimeout is returned when the detector did not answer in time.
	ErrDetectTimeout = errors.New("face detection timed out")
	// ErrUnsupportedSource is returned for image sources that cannot be loaded.
	ErrUnsupportedSource = errors.New("unsupported image source")
	// ErrUndecodableImage is returned when the image header cannot be read.
	ErrUndecodableImage = errors.New("failed to decode image")
)

// Conclusive reports whether err describes the image itself rather than a
// failure to inspect it. Conclusive results stay the same on retry.
func Conclusive(err error) bool {
	return errors.Is(err, ErrNoFace) ||
		errors.Is(err, ErrImageTooSmall) ||
		errors.Is(err, ErrUnsupportedSource) ||
		errors.Is(err, ErrUndecodableImage)
}

// Detection is one face found by a Detector.
type Detection struct {
	Embedding []float32
	BBox      BBox
	Score     float64
}

// Detector finds faces in an encoded image and returns their descriptors.
type Detector interface {
	Detect(ctx context.Context, image []byte) ([]Detection, error)
}

// Loader prepares the detection model. Load may be called again after a failure.
type Loader interface {
	Load(ctx context.Context) error
}

// Unloader is implemented by loaders that can release the model.
type Unloader interface {
	Unload(ctx context.Context) error
}

// Dominant returns the detection with the largest bounding box that carries an
// embedding. Only one face per input image takes part in matching.
func Dominant(detections []Detection) (Detection, bool) {
	var best Detection
	found := false
	for _, d := range detections {
		if len(d.Embedding) == 0 {
			continue
		}
		if !found || d.BBox.Area() > best.BBox.Area() {
			best = d
			found = true
		}
	}
	return best, found
}
