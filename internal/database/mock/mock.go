// Package mock provides mock implementations of database interfaces for testing.
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/kozaktomas/face-blocker/internal/database"
)

// MockReferenceRepository is an in-memory mock implementation of database.ReferenceWriter
type MockReferenceRepository struct {
	mu    sync.RWMutex
	faces []database.ReferenceFace

	// Error injection
	ListError          error
	AddError           error
	RemoveError        error
	SetDescriptorError error
	ClearError         error

	// Call tracking
	ListCalls int
}

// NewMockReferenceRepository creates a mock pre-populated with faces
func NewMockReferenceRepository(faces ...database.ReferenceFace) *MockReferenceRepository {
	return &MockReferenceRepository{faces: slices.Clone(faces)}
}

// List returns all faces in insertion order
func (m *MockReferenceRepository) List(ctx context.Context) ([]database.ReferenceFace, error) {
	m.mu.Lock()
	m.ListCalls++
	m.mu.Unlock()
	if m.ListError != nil {
		return nil, m.ListError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.faces), nil
}

// Get returns a face by id
func (m *MockReferenceRepository) Get(ctx context.Context, id string) (*database.ReferenceFace, error) {
	faces, err := m.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range faces {
		if faces[i].ID == id {
			return &faces[i], nil
		}
	}
	return nil, database.ErrFaceNotFound
}

// FindByName returns faces with a matching normalized name
func (m *MockReferenceRepository) FindByName(ctx context.Context, name string) ([]database.ReferenceFace, error) {
	faces, err := m.List(ctx)
	if err != nil {
		return nil, err
	}
	want := database.NormalizePersonName(name)
	var out []database.ReferenceFace
	for _, f := range faces {
		if database.NormalizePersonName(f.Name) == want {
			out = append(out, f)
		}
	}
	return out, nil
}

// Count returns the number of faces
func (m *MockReferenceRepository) Count(ctx context.Context) (int, error) {
	faces, err := m.List(ctx)
	return len(faces), err
}

// Add appends faces as given (ids are not generated)
func (m *MockReferenceRepository) Add(ctx context.Context, faces ...database.ReferenceFace) ([]database.ReferenceFace, error) {
	if m.AddError != nil {
		return nil, m.AddError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faces = append(m.faces, faces...)
	return faces, nil
}

// Remove deletes a face by id
func (m *MockReferenceRepository) Remove(ctx context.Context, id string) error {
	if m.RemoveError != nil {
		return m.RemoveError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := slices.IndexFunc(m.faces, func(f database.ReferenceFace) bool { return f.ID == id })
	if idx < 0 {
		return database.ErrFaceNotFound
	}
	m.faces = slices.Delete(m.faces, idx, idx+1)
	return nil
}

// RemoveByName deletes faces with a matching normalized name
func (m *MockReferenceRepository) RemoveByName(ctx context.Context, name string) (int, error) {
	if m.RemoveError != nil {
		return 0, m.RemoveError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	want := database.NormalizePersonName(name)
	before := len(m.faces)
	m.faces = slices.DeleteFunc(m.faces, func(f database.ReferenceFace) bool {
		return database.NormalizePersonName(f.Name) == want
	})
	return before - len(m.faces), nil
}

// SetDescriptor stores a descriptor on a face
func (m *MockReferenceRepository) SetDescriptor(ctx context.Context, id string, descriptor []float32) error {
	if m.SetDescriptorError != nil {
		return m.SetDescriptorError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.faces {
		if m.faces[i].ID == id {
			m.faces[i].Descriptor = slices.Clone(descriptor)
			return nil
		}
	}
	return database.ErrFaceNotFound
}

// Clear removes all faces
func (m *MockReferenceRepository) Clear(ctx context.Context) error {
	if m.ClearError != nil {
		return m.ClearError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faces = nil
	return nil
}

var _ database.ReferenceWriter = (*MockReferenceRepository)(nil)
