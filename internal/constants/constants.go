// Package constants provides shared constants used across the codebase.
// Centralizing these values ensures consistency and makes them easier to modify.
package constants

// Storage keys. The names match the ones written by earlier releases so existing
// stores keep working.
const (
	// KeyReferenceFaces holds the JSON array of reference faces
	KeyReferenceFaces = "celebrityImages"

	// KeyImageCache holds the whole result cache as one JSON object
	KeyImageCache = "celebrityImageCache"

	// KeyDatabaseFingerprint holds the last computed reference database fingerprint
	KeyDatabaseFingerprint = "faceDbHash"

	// KeyBlockingEnabled toggles matching on or off
	KeyBlockingEnabled = "blockingEnabled"

	// KeyMaxScans caps the number of images inspected per pass
	KeyMaxScans = "maxScans"

	// KeyMinWidth and KeyMinHeight are the candidate size floors
	KeyMinWidth  = "minWidth"
	KeyMinHeight = "minHeight"

	// KeyMinSize is the legacy single size floor, used when the split keys are absent
	KeyMinSize = "minSize"

	// KeySimilarityThreshold is the maximum descriptor distance counted as a match
	KeySimilarityThreshold = "similarityThreshold"
)

// Fingerprint constants
const (
	// ImagePrefixLength is how many characters of an inline payload are hashed
	ImagePrefixLength = 1000

	// ReferencePrefixLength is how many characters of each reference image are hashed
	ReferencePrefixLength = 100

	// FingerprintMemoSize is the number of src -> fingerprint pairs kept in memory
	FingerprintMemoSize = 4096
)

// Cache constants
const (
	// EvictionTargetRatio is the fraction of the byte budget eviction shrinks the cache to
	EvictionTargetRatio = 0.8
)

// Settings ranges
const (
	MinMaxScans = 1
	MaxMaxScans = 100

	MinDimension = 50
	MaxDimension = 1000

	MinSimilarityThreshold = 0.1
	MaxSimilarityThreshold = 1.0
)

// Resource probe constants
const (
	// AdequateScore is the minimum probe score for matching to run comfortably
	AdequateScore = 50

	// CriticalScore is the score below which matching is switched off automatically
	CriticalScore = 25

	// ProbeImageSize is the side length of the synthetic probe image
	ProbeImageSize = 200
)

// Page constants
const (
	// ElementIDAttr carries the stable element id assigned to every image
	ElementIDAttr = "data-face-blocker-id"

	// PlaceholderAttr marks placeholders inserted in place of blocked images
	PlaceholderAttr = "data-face-blocker"

	// EventChannelBuffer is the buffer size for change and mutation channels
	EventChannelBuffer = 100
)
