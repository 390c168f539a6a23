// Package fingerprint derives the content-addressed keys the result cache is built on:
// one per image source and one per reference database.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"log/slog"
	"sort"
	"strings"

	"github.com/kozaktomas/face-blocker/internal/constants"
	"github.com/kozaktomas/face-blocker/internal/database"
)

// Item is the identity of one reference face as far as the database fingerprint goes.
type Item struct {
	Name    string
	Content string
}

// ItemsOf converts reference faces into fingerprint items.
func ItemsOf(faces []database.ReferenceFace) []Item {
	items := make([]Item, len(faces))
	for i, f := range faces {
		items[i] = Item{Name: f.Name, Content: f.Content()}
	}
	return items
}

// Image fingerprints an image source. For data: URLs only the first
// constants.ImagePrefixLength characters of the payload after the first comma are
// hashed; any other source is hashed whole. Two inline images sharing that prefix
// get the same fingerprint.
func Image(src string) string {
	return hashString(imageKey(src))
}

func imageKey(src string) string {
	if !strings.HasPrefix(src, "data:") {
		return src
	}
	payload := src
	if _, after, ok := strings.Cut(src, ","); ok && after != "" {
		payload = after
	}
	return prefix(payload, constants.ImagePrefixLength)
}

// Database fingerprints a reference set. Each item contributes "name:content[:100]";
// the entries are sorted so the result does not depend on order. Sets whose members
// agree on name and content prefix collide.
func Database(items []Item) string {
	parts := make([]string, len(items))
	for i, it := range items {
		parts[i] = it.Name + ":" + prefix(it.Content, constants.ReferencePrefixLength)
	}
	sort.Strings(parts)
	return hashString(strings.Join(parts, "|"))
}

// References fingerprints a reference face slice.
func References(faces []database.ReferenceFace) string {
	return Database(ItemsOf(faces))
}

// newHash is replaced in tests to exercise the fallback.
var newHash = sha256.New

// hashString returns the hex SHA-256 of s. If hashing fails the input itself is
// returned so callers always get a usable, if degenerate, key.
func hashString(s string) string {
	h := newHash()
	if err := write(h, s); err != nil {
		slog.Default().Error("hashing failed, using raw input as fingerprint", "error", err)
		return s
	}
	return hex.EncodeToString(h.Sum(nil))
}

func write(h hash.Hash, s string) error {
	_, err := h.Write([]byte(s))
	return err
}

// prefix returns the first n characters of s.
func prefix(s string, n int) string {
	if len(s) <= n {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
