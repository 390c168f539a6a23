package database

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kozaktomas/face-blocker/internal/constants"
	"github.com/kozaktomas/face-blocker/internal/kvstore"
)

// ReferenceRepository stores reference faces as one JSON array in a kvstore.Store.
// Writes are read-modify-write and serialised within the process.
type ReferenceRepository struct {
	store kvstore.Store
	now   func() time.Time

	mu sync.Mutex
}

// NewReferenceRepository creates a repository over store.
func NewReferenceRepository(store kvstore.Store) *ReferenceRepository {
	return &ReferenceRepository{store: store, now: time.Now}
}

// List returns all reference faces in stored order. A missing key is an empty list.
func (r *ReferenceRepository) List(ctx context.Context) ([]ReferenceFace, error) {
	var faces []ReferenceFace
	if _, err := kvstore.GetJSON(ctx, r.store, constants.KeyReferenceFaces, &faces); err != nil {
		return nil, fmt.Errorf("loading reference faces: %w", err)
	}
	return faces, nil
}

// Get returns the face with the given id.
func (r *ReferenceRepository) Get(ctx context.Context, id string) (*ReferenceFace, error) {
	faces, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range faces {
		if faces[i].ID == id {
			return &faces[i], nil
		}
	}
	return nil, ErrFaceNotFound
}

// FindByName returns faces whose normalized name equals the normalized query.
func (r *ReferenceRepository) FindByName(ctx context.Context, name string) ([]ReferenceFace, error) {
	faces, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	want := NormalizePersonName(name)
	var out []ReferenceFace
	for _, f := range faces {
		if NormalizePersonName(f.Name) == want {
			out = append(out, f)
		}
	}
	return out, nil
}

// Count returns the number of reference faces.
func (r *ReferenceRepository) Count(ctx context.Context) (int, error) {
	faces, err := r.List(ctx)
	if err != nil {
		return 0, err
	}
	return len(faces), nil
}

// Add appends faces after the existing ones and returns them with ids filled in.
func (r *ReferenceRepository) Add(ctx context.Context, faces ...ReferenceFace) ([]ReferenceFace, error) {
	added := make([]ReferenceFace, len(faces))
	for i, f := range faces {
		if f.ID == "" {
			f.ID = uuid.NewString()
		}
		if f.CreatedAt.IsZero() {
			f.CreatedAt = r.now().UTC()
		}
		if f.Size == 0 {
			f.Size = len(f.DataURL)
		}
		added[i] = f
	}

	err := r.update(ctx, func(existing []ReferenceFace) ([]ReferenceFace, error) {
		return append(existing, added...), nil
	})
	if err != nil {
		return nil, err
	}
	return added, nil
}

// Remove deletes the face with the given id.
func (r *ReferenceRepository) Remove(ctx context.Context, id string) error {
	return r.update(ctx, func(existing []ReferenceFace) ([]ReferenceFace, error) {
		idx := slices.IndexFunc(existing, func(f ReferenceFace) bool { return f.ID == id })
		if idx < 0 {
			return nil, ErrFaceNotFound
		}
		return slices.Delete(existing, idx, idx+1), nil
	})
}

// RemoveByName deletes every face whose normalized name matches.
func (r *ReferenceRepository) RemoveByName(ctx context.Context, name string) (int, error) {
	want := NormalizePersonName(name)
	removed := 0
	err := r.update(ctx, func(existing []ReferenceFace) ([]ReferenceFace, error) {
		kept := existing[:0]
		for _, f := range existing {
			if NormalizePersonName(f.Name) == want {
				removed++
				continue
			}
			kept = append(kept, f)
		}
		return kept, nil
	})
	return removed, err
}

// SetDescriptor stores a descriptor on the face with the given id.
func (r *ReferenceRepository) SetDescriptor(ctx context.Context, id string, descriptor []float32) error {
	return r.update(ctx, func(existing []ReferenceFace) ([]ReferenceFace, error) {
		idx := slices.IndexFunc(existing, func(f ReferenceFace) bool { return f.ID == id })
		if idx < 0 {
			return nil, ErrFaceNotFound
		}
		existing[idx].Descriptor = slices.Clone(descriptor)
		return existing, nil
	})
}

// Clear removes all faces, leaving an empty list stored.
func (r *ReferenceRepository) Clear(ctx context.Context) error {
	return r.update(ctx, func([]ReferenceFace) ([]ReferenceFace, error) {
		return []ReferenceFace{}, nil
	})
}

func (r *ReferenceRepository) update(ctx context.Context, fn func([]ReferenceFace) ([]ReferenceFace, error)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	faces, err := r.List(ctx)
	if err != nil {
		return err
	}
	faces, err = fn(faces)
	if err != nil {
		return err
	}
	if faces == nil {
		faces = []ReferenceFace{}
	}
	if err := kvstore.SetJSON(ctx, r.store, constants.KeyReferenceFaces, faces); err != nil {
		return fmt.Errorf("saving reference faces: %w", err)
	}
	return nil
}

var _ ReferenceWriter = (*ReferenceRepository)(nil)
