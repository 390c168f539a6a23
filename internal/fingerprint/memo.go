package fingerprint

import (
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/kozaktomas/face-blocker/internal/constants"
)

// Memo caches image fingerprints by source so large inline payloads are hashed
// once per process. It is safe for concurrent use.
type Memo struct {
	cache *lru.Cache[string, string]
}

// NewMemo creates a memo holding up to size sources. A non-positive size uses
// constants.FingerprintMemoSize.
func NewMemo(size int) *Memo {
	if size <= 0 {
		size = constants.FingerprintMemoSize
	}
	// lru.New only errors on non-positive size which we guard above.
	cache, _ := lru.New[string, string](size)
	return &Memo{cache: cache}
}

// Image returns the fingerprint of src, computing it on first use.
func (m *Memo) Image(src string) string {
	if fp, ok := m.cache.Get(src); ok {
		return fp
	}
	fp := Image(src)
	m.cache.Add(src, fp)
	return fp
}

// Len returns the number of memoized sources.
func (m *Memo) Len() int {
	return m.cache.Len()
}
