package database

import (
	"crypto/rand"
	"encoding/hex"
	"regexp"
)

var hexIDPattern = regexp.MustCompile(`^[0-9a-f]{24}$`)

// NewID returns a 24-character lowercase hex identifier. IDs are random so
// workers can mint them without coordination.
func NewID() string {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms
		panic(err)
	}
	return hex.EncodeToString(buf)
}

// ValidID reports whether s is a well-formed 24-hex identifier.
func ValidID(s string) bool {
	return hexIDPattern.MatchString(s)
}
