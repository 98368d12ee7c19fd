// Package scan provides the content hasher and filesystem metadata
// collector used by the monitoring pipeline.
package scan

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"os/user"
	"strconv"

	"hackstone/internal/model"
)

// HashFile computes the SHA-256 hex digest of a file using streaming.
// Large files are never loaded into memory.
func HashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), size, nil
}

// HashBytes computes the SHA-256 hex digest of in-memory content.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Collect reads filesystem attributes for a path. It never fails: attributes
// that cannot be read are left nil, and a missing file yields an all-nil
// record the caller can detect with Empty().
func Collect(path string) *model.FileMetadata {
	meta := &model.FileMetadata{}

	info, err := os.Stat(path)
	if err != nil {
		return meta
	}

	size := info.Size()
	mode := "0" + strconv.FormatUint(uint64(info.Mode().Perm()), 8)
	mtime := info.ModTime()
	meta.Size = &size
	meta.Mode = &mode
	meta.Mtime = &mtime

	collectOwner(info, meta)
	return meta
}

// lookupUser resolves a uid to a username, returning nil when the lookup
// fails.
func lookupUser(uid int) *string {
	u, err := user.LookupId(strconv.Itoa(uid))
	if err != nil {
		return nil
	}
	name := u.Username
	return &name
}
