package database

import (
	"context"
	"errors"
)

// ErrFaceNotFound is returned when a reference face id does not exist.
var ErrFaceNotFound = errors.New("reference face not found")

// ReferenceReader provides read-only access to reference faces
type ReferenceReader interface {
	// List returns all reference faces in stored order
	List(ctx context.Context) ([]ReferenceFace, error)
	// Get returns a face by id, ErrFaceNotFound when it does not exist
	Get(ctx context.Context, id string) (*ReferenceFace, error)
	// FindByName returns faces whose name matches after normalization (case and diacritics ignored)
	FindByName(ctx context.Context, name string) ([]ReferenceFace, error)
	// Count returns the number of reference faces
	Count(ctx context.Context) (int, error)
}

// ReferenceWriter provides write access to reference faces
type ReferenceWriter interface {
	ReferenceReader

	// Add appends faces. Missing ids and creation times are filled in.
	Add(ctx context.Context, faces ...ReferenceFace) ([]ReferenceFace, error)
	// Remove deletes a face by id, ErrFaceNotFound when it does not exist
	Remove(ctx context.Context, id string) error
	// RemoveByName deletes all faces with a matching name and returns how many were removed
	RemoveByName(ctx context.Context, name string) (int, error)
	// SetDescriptor stores a computed descriptor for a face
	SetDescriptor(ctx context.Context, id string, descriptor []float32) error
	// Clear removes all faces
	Clear(ctx context.Context) error
}
