package reconcile

import (
	"crypto/sha256"
	"encoding/hex"
)

// Fingerprint hashes an item's identity fields. It changes when the
// title changes and survives excerpt or thumbnail edits.
func Fingerprint(url, title string) string {
	h := sha256.New()
	h.Write([]byte(url))
	h.Write([]byte{0})
	h.Write([]byte(title))

	return hex.EncodeToString(h.Sum(nil))
}
