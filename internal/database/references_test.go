package database

import (
	"context"
	"errors"
	"testing"

	"github.com/kozaktomas/face-blocker/internal/constants"
	"github.com/kozaktomas/face-blocker/internal/kvstore"
)

func TestReferenceRepository_EmptyStore(t *testing.T) {
	repo := NewReferenceRepository(kvstore.NewMemory())

	faces, err := repo.List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(faces) != 0 {
		t.Errorf("List() = %v, want empty", faces)
	}
}

func TestReferenceRepository_AddListOrder(t *testing.T) {
	ctx := context.Background()
	repo := NewReferenceRepository(kvstore.NewMemory())

	added, err := repo.Add(ctx,
		ReferenceFace{Name: "A", DataURL: "data:image/png;base64,AAAA"},
		ReferenceFace{Name: "B", Descriptor: []float32{1, 2}},
	)
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if added[0].ID == "" || added[1].ID == "" || added[0].ID == added[1].ID {
		t.Errorf("ids not assigned: %q %q", added[0].ID, added[1].ID)
	}
	if added[0].CreatedAt.IsZero() {
		t.Error("CreatedAt not set")
	}
	if added[0].Size != len("data:image/png;base64,AAAA") {
		t.Errorf("Size = %d", added[0].Size)
	}

	repo.Add(ctx, ReferenceFace{Name: "C"})

	faces, _ := repo.List(ctx)
	var names []string
	for _, f := range faces {
		names = append(names, f.Name)
	}
	if len(names) != 3 || names[0] != "A" || names[1] != "B" || names[2] != "C" {
		t.Errorf("names = %v, want [A B C]", names)
	}

	n, _ := repo.Count(ctx)
	if n != 3 {
		t.Errorf("Count() = %d, want 3", n)
	}
}

func TestReferenceRepository_RemoveAndGet(t *testing.T) {
	ctx := context.Background()
	repo := NewReferenceRepository(kvstore.NewMemory())
	added, _ := repo.Add(ctx, ReferenceFace{Name: "A"}, ReferenceFace{Name: "B"})

	got, err := repo.Get(ctx, added[1].ID)
	if err != nil || got.Name != "B" {
		t.Fatalf("Get() = %v, %v", got, err)
	}

	if err := repo.Remove(ctx, added[0].ID); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if err := repo.Remove(ctx, added[0].ID); !errors.Is(err, ErrFaceNotFound) {
		t.Errorf("second Remove() error = %v, want ErrFaceNotFound", err)
	}
	if _, err := repo.Get(ctx, added[0].ID); !errors.Is(err, ErrFaceNotFound) {
		t.Errorf("Get() removed error = %v, want ErrFaceNotFound", err)
	}
}

func TestReferenceRepository_ByName(t *testing.T) {
	ctx := context.Background()
	repo := NewReferenceRepository(kvstore.NewMemory())
	repo.Add(ctx,
		ReferenceFace{Name: "Jan Novák"},
		ReferenceFace{Name: "jan-novak"},
		ReferenceFace{Name: "Eva"},
	)

	found, _ := repo.FindByName(ctx, "JAN NOVAK")
	if len(found) != 2 {
		t.Errorf("FindByName() found %d, want 2", len(found))
	}

	removed, err := repo.RemoveByName(ctx, "jan novak")
	if err != nil {
		t.Fatalf("RemoveByName() error = %v", err)
	}
	if removed != 2 {
		t.Errorf("RemoveByName() = %d, want 2", removed)
	}
	faces, _ := repo.List(ctx)
	if len(faces) != 1 || faces[0].Name != "Eva" {
		t.Errorf("remaining = %v", faces)
	}
}

func TestReferenceRepository_SetDescriptor(t *testing.T) {
	ctx := context.Background()
	repo := NewReferenceRepository(kvstore.NewMemory())
	added, _ := repo.Add(ctx, ReferenceFace{Name: "A", DataURL: "data:x,y"})

	if err := repo.SetDescriptor(ctx, added[0].ID, []float32{0.5, 0.25}); err != nil {
		t.Fatalf("SetDescriptor() error = %v", err)
	}
	got, _ := repo.Get(ctx, added[0].ID)
	if !got.HasDescriptor() || got.Descriptor[1] != 0.25 {
		t.Errorf("Descriptor = %v", got.Descriptor)
	}
	if err := repo.SetDescriptor(ctx, "missing", nil); !errors.Is(err, ErrFaceNotFound) {
		t.Errorf("SetDescriptor(missing) error = %v", err)
	}
}

func TestReferenceRepository_ClearStoresEmptyArray(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemory()
	repo := NewReferenceRepository(store)
	repo.Add(ctx, ReferenceFace{Name: "A"})

	if err := repo.Clear(ctx); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	values, _ := store.Get(ctx, constants.KeyReferenceFaces)
	if string(values[constants.KeyReferenceFaces]) != "[]" {
		t.Errorf("stored = %q, want []", values[constants.KeyReferenceFaces])
	}
}

func TestReferenceRepository_CorruptValue(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemory()
	store.Set(ctx, map[string][]byte{constants.KeyReferenceFaces: []byte("{nope")})

	repo := NewReferenceRepository(store)
	if _, err := repo.List(ctx); err == nil {
		t.Error("List() expected error for corrupt value")
	}
}
