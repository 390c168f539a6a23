package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"hash"
	"strings"
	"testing"

	"github.com/kozaktomas/face-blocker/internal/database"
)

func sha(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestImage(t *testing.T) {
	long := strings.Repeat("A", 1500)

	tests := []struct {
		name string
		src  string
		want string
	}{
		{"http url hashed whole", "https://x/a.jpg", sha("https://x/a.jpg")},
		{"data url payload only", "data:image/png;base64,QUJD", sha("QUJD")},
		{"data url payload truncated", "data:image/png;base64," + long, sha(long[:1000])},
		{"data url without comma", "data:broken", sha("data:broken")},
		{"data url with empty payload", "data:image/png;base64,", sha("data:image/png;base64,")},
		{"payload keeps later commas", "data:text/plain,a,b", sha("a,b")},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Image(tc.src); got != tc.want {
				t.Errorf("Image(%q) = %s, want %s", tc.src, got, tc.want)
			}
		})
	}
}

func TestImage_Deterministic(t *testing.T) {
	src := "https://example.com/face.png"
	if Image(src) != Image(src) {
		t.Error("Image() is not deterministic")
	}
	if len(Image(src)) != 64 {
		t.Errorf("len(Image()) = %d, want 64", len(Image(src)))
	}
}

func TestImage_SharedPrefixCollides(t *testing.T) {
	shared := strings.Repeat("x", 1000)
	a := "data:image/png;base64," + shared + "AAAA"
	b := "data:image/jpeg;base64," + shared + "BBBB"
	if Image(a) != Image(b) {
		t.Error("inline images sharing the hashed prefix should collide")
	}
}

func TestDatabase_OrderIndependent(t *testing.T) {
	a := []Item{{"Alice", "data:a"}, {"Bob", "data:b"}}
	b := []Item{{"Bob", "data:b"}, {"Alice", "data:a"}}
	if Database(a) != Database(b) {
		t.Error("Database() depends on order")
	}
}

func TestDatabase_Format(t *testing.T) {
	got := Database([]Item{{"B", "yy"}, {"A", "xx"}})
	if want := sha("A:xx|B:yy"); got != want {
		t.Errorf("Database() = %s, want %s", got, want)
	}
	if empty := Database(nil); empty != sha("") {
		t.Errorf("Database(nil) = %s, want hash of empty string", empty)
	}
}

func TestDatabase_Sensitivity(t *testing.T) {
	base := []Item{{"Alice", "data:a"}}

	tests := []struct {
		name  string
		items []Item
		same  bool
	}{
		{"renamed", []Item{{"Alicia", "data:a"}}, false},
		{"different content", []Item{{"Alice", "data:z"}}, false},
		{"added face", []Item{{"Alice", "data:a"}, {"Bob", "data:b"}}, false},
		{"identical", []Item{{"Alice", "data:a"}}, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Database(tc.items) == Database(base); got != tc.same {
				t.Errorf("equal = %v, want %v", got, tc.same)
			}
		})
	}

	longA := strings.Repeat("q", 100) + "tail-one"
	longB := strings.Repeat("q", 100) + "tail-two"
	if Database([]Item{{"A", longA}}) != Database([]Item{{"A", longB}}) {
		t.Error("content beyond the hashed prefix should not change the fingerprint")
	}
}

func TestReferences(t *testing.T) {
	faces := []database.ReferenceFace{
		{Name: "A", DataURL: "data:image/png;base64,AAAA"},
		{Name: "B", Descriptor: []float32{1}},
	}
	want := Database([]Item{{"A", "data:image/png;base64,AAAA"}, {"B", "0000803f"}})
	if got := References(faces); got != want {
		t.Errorf("References() = %s, want %s", got, want)
	}
}

type failingHash struct{ hash.Hash }

func (failingHash) Write([]byte) (int, error) { return 0, errors.New("boom") }

func TestHashFailureReturnsInput(t *testing.T) {
	orig := newHash
	newHash = func() hash.Hash { return failingHash{sha256.New()} }
	defer func() { newHash = orig }()

	if got := Image("https://x/a.jpg"); got != "https://x/a.jpg" {
		t.Errorf("Image() = %q, want raw input", got)
	}
}

func TestMemo(t *testing.T) {
	m := NewMemo(2)
	src := "data:image/png;base64," + strings.Repeat("Z", 2000)

	if got := m.Image(src); got != Image(src) {
		t.Errorf("Memo.Image() = %s, want %s", got, Image(src))
	}
	m.Image(src)
	if m.Len() != 1 {
		t.Errorf("Len() = %d, want 1", m.Len())
	}

	m.Image("a")
	m.Image("b")
	if m.Len() != 2 {
		t.Errorf("Len() = %d, want 2 (bounded)", m.Len())
	}

	if NewMemo(0).cache == nil {
		t.Error("NewMemo(0) should fall back to the default size")
	}
}
