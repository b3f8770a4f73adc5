package util

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
)

// NewID returns a random 128-bit hex id, tagged as "<tag>_<hex>" when tag is set.
func NewID(tag string) string {
	raw := make([]byte, 16)
	_, _ = rand.Read(raw)
	if tag == "" {
		return hex.EncodeToString(raw)
	}
	return tag + "_" + hex.EncodeToString(raw)
}

// HasTag reports whether id was minted by NewID(tag).
func HasTag(id, tag string) bool {
	return tag != "" && strings.HasPrefix(id, tag+"_")
}
