package database

import (
	"encoding/hex"
	"encoding/binary"
	"math"
	"time"
)

// ReferenceFace is a user-supplied face the engine blocks on.
// The JSON field names match the ones written by earlier releases.
type ReferenceFace struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	DataURL    string    `json:"dataUrl,omitempty"`
	Descriptor []float32 `json:"descriptor,omitempty"`
	Size       int       `json:"size,omitempty"`
	CreatedAt  time.Time `json:"uploadDate"`
}

// HasDescriptor reports whether a descriptor was computed for the face.
func (f ReferenceFace) HasDescriptor() bool {
	return len(f.Descriptor) > 0
}

// Content returns the value that identifies the face's image: its data URL, or the
// hex encoding of its descriptor for faces stored without one.
func (f ReferenceFace) Content() string {
	if f.DataURL != "" {
		return f.DataURL
	}
	buf := make([]byte, 4*len(f.Descriptor))
	for i, v := range f.Descriptor {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return hex.EncodeToString(buf)
}
