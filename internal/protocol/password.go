package protocol

import (
	"crypto/sha1"
	"encoding/hex"
)

// HashPassword returns the form passwords travel in: the hex sha1 of the
// plain text. an empty password stays empty.
func HashPassword(password string) string {
	if password == "" {
		return ""
	}
	sum := sha1.Sum([]byte(password))
	return hex.EncodeToString(sum[:])
}
