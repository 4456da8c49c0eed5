// Package digest maps algorithm names to hash constructors and hashes
// published files for post-hoc verification.
package digest

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"hash"
	"io"
	"os"
	"strings"

	"github.com/fetchkit/fetchkit/errs"
)

// New returns a fresh hash for the named algorithm.
func New(algorithm string) (hash.Hash, error) {
	switch strings.ToLower(algorithm) {
	case "md5":
		return md5.New(), nil
	case "sha1":
		return sha1.New(), nil
	case "sha256":
		return sha256.New(), nil
	case "sha512":
		return sha512.New(), nil
	default:
		return nil, errs.Newf(errs.KindUnsupported, "unknown digest algorithm %q", algorithm)
	}
}

// File hashes path with the named algorithm and returns the lowercase
// hex digest.
func File(path, algorithm string) (string, error) {
	h, err := New(algorithm)
	if err != nil {
		return "", err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", errs.Wrap(errs.KindNotFound, "opening file for digest", err)
		}
		return "", errs.Wrap(errs.KindIoPermission, "opening file for digest", err)
	}
	defer f.Close()
	if _, err := io.Copy(h, f); err != nil {
		return "", errs.Wrap(errs.KindIoPermission, "hashing file", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Equal compares two hex digests case-insensitively.
func Equal(a, b string) bool {
	return strings.EqualFold(a, b)
}
