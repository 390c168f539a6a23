// Package settings loads and stores the user-tunable matching settings.
package settings

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kozaktomas/face-blocker/internal/config"
	"github.com/kozaktomas/face-blocker/internal/constants"
	"github.com/kozaktomas/face-blocker/internal/kvstore"
)

// Settings are the persisted user settings.
type Settings struct {
	BlockingEnabled     bool    `json:"blockingEnabled"`
	MaxScans            int     `json:"maxScans"`
	MinWidth            int     `json:"minWidth"`
	MinHeight           int     `json:"minHeight"`
	SimilarityThreshold float64 `json:"similarityThreshold"`
}

// FromDefaults converts configured defaults into Settings.
func FromDefaults(d config.SettingsDefaults) Settings {
	return Settings{
		BlockingEnabled:     d.BlockingEnabled,
		MaxScans:            d.MaxScans,
		MinWidth:            d.MinWidth,
		MinHeight:           d.MinHeight,
		SimilarityThreshold: d.SimilarityThreshold,
	}.Clamp()
}

// Clamp returns s with every numeric field forced into its allowed range.
func (s Settings) Clamp() Settings {
	s.MaxScans = clamp(s.MaxScans, constants.MinMaxScans, constants.MaxMaxScans)
	s.MinWidth = clamp(s.MinWidth, constants.MinDimension, constants.MaxDimension)
	s.MinHeight = clamp(s.MinHeight, constants.MinDimension, constants.MaxDimension)
	s.SimilarityThreshold = clamp(s.SimilarityThreshold, constants.MinSimilarityThreshold, constants.MaxSimilarityThreshold)
	return s
}

func clamp[T int | float64](v, lo, hi T) T {
	return min(max(v, lo), hi)
}

var keys = []string{
	constants.KeyBlockingEnabled,
	constants.KeyMaxScans,
	constants.KeyMinWidth,
	constants.KeyMinHeight,
	constants.KeyMinSize,
	constants.KeySimilarityThreshold,
}

// Load reads settings from the store. Missing, zero or undecodable values fall back
// to defaults; the legacy minSize key is used for both dimensions when the split
// keys are absent. On a store error the defaults are returned with the error.
func Load(ctx context.Context, store kvstore.Store, defaults config.SettingsDefaults) (Settings, error) {
	s := FromDefaults(defaults)

	values, err := store.Get(ctx, keys...)
	if err != nil {
		return s, fmt.Errorf("loading settings: %w", err)
	}

	if v, ok := decode[bool](values, constants.KeyBlockingEnabled); ok {
		s.BlockingEnabled = v
	}
	if v, ok := decode[int](values, constants.KeyMaxScans); ok && v != 0 {
		s.MaxScans = v
	}

	legacy, hasLegacy := decode[int](values, constants.KeyMinSize)
	hasLegacy = hasLegacy && legacy != 0
	if v, ok := decode[int](values, constants.KeyMinWidth); ok && v != 0 {
		s.MinWidth = v
	} else if hasLegacy {
		s.MinWidth = legacy
	}
	if v, ok := decode[int](values, constants.KeyMinHeight); ok && v != 0 {
		s.MinHeight = v
	} else if hasLegacy {
		s.MinHeight = legacy
	}

	if v, ok := decode[float64](values, constants.KeySimilarityThreshold); ok && v != 0 {
		s.SimilarityThreshold = v
	}
	return s.Clamp(), nil
}

func decode[T any](values map[string][]byte, key string) (T, bool) {
	var v T
	raw, ok := values[key]
	if !ok {
		return v, false
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, false
	}
	return v, true
}

// Save clamps s and writes every field.
func Save(ctx context.Context, store kvstore.Store, s Settings) error {
	s = s.Clamp()
	entries := make(map[string][]byte, 5)
	for key, v := range map[string]any{
		constants.KeyBlockingEnabled:     s.BlockingEnabled,
		constants.KeyMaxScans:            s.MaxScans,
		constants.KeyMinWidth:            s.MinWidth,
		constants.KeyMinHeight:           s.MinHeight,
		constants.KeySimilarityThreshold: s.SimilarityThreshold,
	} {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encoding %s: %w", key, err)
		}
		entries[key] = raw
	}
	if err := store.Set(ctx, entries); err != nil {
		return fmt.Errorf("saving settings: %w", err)
	}
	return nil
}

// SetBlockingEnabled writes only the enabled flag.
func SetBlockingEnabled(ctx context.Context, store kvstore.Store, enabled bool) error {
	if err := kvstore.SetJSON(ctx, store, constants.KeyBlockingEnabled, enabled); err != nil {
		return fmt.Errorf("saving blocking flag: %w", err)
	}
	return nil
}

// EnsureDefaults runs on install: it stores an empty reference list and enables
// blocking when those keys are absent, and copies a legacy minSize into the split
// width and height keys.
func EnsureDefaults(ctx context.Context, store kvstore.Store) error {
	values, err := store.Get(ctx,
		constants.KeyReferenceFaces,
		constants.KeyBlockingEnabled,
		constants.KeyMinSize,
		constants.KeyMinWidth,
		constants.KeyMinHeight,
	)
	if err != nil {
		return fmt.Errorf("reading install state: %w", err)
	}

	entries := make(map[string][]byte)
	if _, ok := values[constants.KeyReferenceFaces]; !ok {
		entries[constants.KeyReferenceFaces] = []byte("[]")
	}
	if _, ok := values[constants.KeyBlockingEnabled]; !ok {
		entries[constants.KeyBlockingEnabled] = []byte("true")
	}
	_, hasWidth := values[constants.KeyMinWidth]
	_, hasHeight := values[constants.KeyMinHeight]
	if legacy, ok := decode[int](values, constants.KeyMinSize); ok && legacy != 0 && !hasWidth && !hasHeight {
		raw := []byte(fmt.Sprint(legacy))
		entries[constants.KeyMinWidth] = raw
		entries[constants.KeyMinHeight] = raw
	}

	if len(entries) == 0 {
		return nil
	}
	if err := store.Set(ctx, entries); err != nil {
		return fmt.Errorf("writing install defaults: %w", err)
	}
	return nil
}
