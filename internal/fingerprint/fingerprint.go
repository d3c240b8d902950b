// Package fingerprint computes the link and content digests used as
// persistence dedup keys.
package fingerprint

import (
	"crypto/md5" //nolint:gosec // link identity key, not a security boundary
	"crypto/sha256"
	"encoding/hex"
)

// LinkHash returns the hex MD5 of link, or "" for an empty link.
func LinkHash(link string) string {
	if link == "" {
		return ""
	}
	sum := md5.Sum([]byte(link)) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

// ContentHash returns the hex SHA-256 of content, or "" for empty content.
func ContentHash(content string) string {
	if content == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
