// Package hashing implements the two content-checksum algorithms used to
// identify file content: one for opaque files, chunked into fixed-size
// windows, and one for PBO structured containers, parsed into a header,
// per-entry data segments, and a trailing segment.
//
// Both algorithms share a common two-level digest structure: the file is
// divided into ordered parts, each part's MD5 digest is computed, and the
// file's final checksum is the MD5 digest of the concatenation of the
// ASCII uppercase hexadecimal encodings of the part digests. This mirrors
// the Nimble/Swifty launcher checksum scheme.
package hashing

import (
	"crypto/md5" //nolint:gosec // content-addressing scheme, not a security boundary
	"fmt"
	"hash"
	"io"
	"os"
	"path"
	"strings"
)

// chunkSize is the fixed window size for opaque-file part boundaries.
const chunkSize = 5_000_000

// headerPart and endPart are the synthetic part labels for a PBO's header
// and any trailing bytes after the last declared entry.
const (
	headerPart = "$$HEADER$$"
	endPart    = "$$END$$"
)

// Part is one sub-range of a file with its own checksum.
type Part struct {
	Path     string
	Start    int64
	Length   int64
	Checksum string
}

// Result is the outcome of hashing a file: its overall checksum plus the
// ordered parts that produced it.
type Result struct {
	Checksum string
	Parts    []Part
}

// HashFile computes the content checksum of the file at fsPath, whose
// logical (wire-form) path is logicalPath. The algorithm is chosen by the
// lowercase extension of logicalPath: "pbo" selects the structured
// container path, everything else the opaque path.
func HashFile(fsPath, logicalPath string) (Result, error) {
	if isPBO(logicalPath) {
		return hashPBO(fsPath)
	}

	return hashOpaque(fsPath, logicalPath)
}

// IsPBO reports whether logicalPath's extension, compared case-insensitively,
// is "pbo" — the same test HashFile uses to pick an algorithm, exported so
// callers can tag a FileRecord's Type without duplicating the rule.
func IsPBO(logicalPath string) bool {
	return isPBO(logicalPath)
}

// isPBO reports whether logicalPath's extension, compared case-insensitively,
// is "pbo".
func isPBO(logicalPath string) bool {
	ext := path.Ext(logicalPath)
	ext = strings.TrimPrefix(ext, ".")

	return strings.EqualFold(ext, "pbo")
}

// hashOpaque hashes fsPath as a sequence of fixed chunkSize windows. Each
// part is labelled "{filename}_{end_offset}" where filename is the base
// name of logicalPath and end_offset is the stream position after the
// chunk was consumed.
func hashOpaque(fsPath, logicalPath string) (Result, error) {
	f, err := os.Open(fsPath)
	if err != nil {
		return Result{}, fmt.Errorf("hashing: opening %s: %w", fsPath, err)
	}
	defer f.Close()

	fileName := path.Base(logicalPath)

	var (
		parts []Part
		pos   int64
	)

	buf := make([]byte, 32*1024)

	for {
		h := md5.New() //nolint:gosec // see package doc
		start := pos

		copied, err := io.CopyBuffer(h, io.LimitReader(f, chunkSize), buf)
		if err != nil {
			return Result{}, fmt.Errorf("hashing: reading %s: %w", fsPath, err)
		}

		if copied == 0 {
			break
		}

		pos += copied

		parts = append(parts, Part{
			Path:     fmt.Sprintf("%s_%d", fileName, pos),
			Start:    start,
			Length:   copied,
			Checksum: upperHex(h),
		})
	}

	return Result{Checksum: combineParts(parts), Parts: parts}, nil
}

// combineParts computes the file's overall checksum as the MD5 digest of
// the concatenation of the uppercase hex checksums of its parts, in order.
func combineParts(parts []Part) string {
	h := md5.New() //nolint:gosec // see package doc
	for _, p := range parts {
		h.Write([]byte(p.Checksum))
	}

	return upperHex(h)
}

// upperHex returns the ASCII uppercase hexadecimal encoding of h's current sum.
func upperHex(h hash.Hash) string {
	return strings.ToUpper(fmt.Sprintf("%x", h.Sum(nil)))
}
