package hashing

import (
	"bufio"
	"crypto/md5" //nolint:gosec // see package doc in hashing.go
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// maxPBOStringLen bounds a null-terminated string read inside a PBO header;
// exceeding it without finding a terminator fails with ErrPboParse.
const maxPBOStringLen = 1024

// pboExtensionTypeID marks a header entry as a key/value extension block
// rather than a file entry.
const pboExtensionTypeID = 0x56657273

// ErrPboParse reports a malformed PBO header: a string exceeded
// maxPBOStringLen without a null terminator.
var ErrPboParse = errors.New("hashing: malformed PBO header")

// pboEntry is one file entry in a PBO header. Each header entry carries
// five u32 fields (type, originalSize, offset, timestamp, dataSize); only
// the entry's filename and dataSize are kept, the rest are read to advance the cursor
// correctly but are not otherwise used by the checksum.
type pboEntry struct {
	filename string
	dataSize uint32
}

// hashPBO hashes fsPath as a PBO structured container: a synthetic
// "$$HEADER$$" part covering the header, one part per header entry
// covering its data segment, and a synthetic "$$END$$" part for any
// trailing bytes.
func hashPBO(fsPath string) (Result, error) {
	f, err := os.Open(fsPath)
	if err != nil {
		return Result{}, fmt.Errorf("hashing: opening %s: %w", fsPath, err)
	}
	defer f.Close()

	br := bufio.NewReader(f)

	entries, headerLen, err := parsePBOHeader(br)
	if err != nil {
		return Result{}, fmt.Errorf("hashing: parsing PBO header of %s: %w", fsPath, err)
	}

	info, err := f.Stat()
	if err != nil {
		return Result{}, fmt.Errorf("hashing: stat %s: %w", fsPath, err)
	}

	totalLen := info.Size()

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return Result{}, fmt.Errorf("hashing: seeking %s: %w", fsPath, err)
	}

	br.Reset(f)

	var parts []Part

	headerChecksum, err := hashN(br, headerLen)
	if err != nil {
		return Result{}, fmt.Errorf("hashing: hashing PBO header of %s: %w", fsPath, err)
	}

	parts = append(parts, Part{Path: headerPart, Start: 0, Length: headerLen, Checksum: headerChecksum})

	offset := headerLen

	for _, e := range entries {
		size := int64(e.dataSize)

		checksum, err := hashN(br, size)
		if err != nil {
			return Result{}, fmt.Errorf("hashing: hashing entry %q of %s: %w", e.filename, fsPath, err)
		}

		parts = append(parts, Part{Path: e.filename, Start: offset, Length: size, Checksum: checksum})
		offset += size
	}

	if remaining := totalLen - offset; remaining > 0 {
		checksum, err := hashN(br, remaining)
		if err != nil {
			return Result{}, fmt.Errorf("hashing: hashing trailing bytes of %s: %w", fsPath, err)
		}

		parts = append(parts, Part{Path: endPart, Start: offset, Length: remaining, Checksum: checksum})
	}

	return Result{Checksum: combineParts(parts), Parts: parts}, nil
}

// hashN consumes exactly n bytes from r (or until EOF) and returns their
// uppercase hex MD5 digest.
func hashN(r io.Reader, n int64) (string, error) {
	h := md5.New() //nolint:gosec // see package doc
	if _, err := io.CopyN(h, r, n); err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}

	return upperHex(h), nil
}

// parsePBOHeader reads the entry list starting at the current reader
// position (expected to be byte 0) and returns the entries in file order
// plus the header length (the stream position immediately after the
// terminator entry, i.e. where file data begins).
func parsePBOHeader(r *bufio.Reader) ([]pboEntry, int64, error) {
	var (
		entries []pboEntry
		pos     int64
	)

	for {
		name, n, err := readNullTerminatedString(r)
		if err != nil {
			return nil, 0, err
		}
		pos += n

		var fields [5]uint32
		for i := range fields {
			if err := binary.Read(r, binary.LittleEndian, &fields[i]); err != nil {
				return nil, 0, fmt.Errorf("reading header fields: %w", err)
			}
			pos += 4
		}

		typeID, dataSize := fields[0], fields[4]

		if typeID == pboExtensionTypeID {
			n, err := readExtensions(r)
			if err != nil {
				return nil, 0, err
			}
			pos += n

			continue
		}

		if typeID == 0 && name == "" {
			break
		}

		entries = append(entries, pboEntry{filename: name, dataSize: dataSize})
	}

	return entries, pos, nil
}

// readExtensions consumes a key/value extension block: pairs of
// null-terminated strings, terminated by an empty key. Returns the number
// of bytes consumed; the key/value pairs themselves are not needed for
// hashing.
func readExtensions(r *bufio.Reader) (int64, error) {
	var total int64

	for {
		key, n, err := readNullTerminatedString(r)
		if err != nil {
			return total, err
		}
		total += n

		if key == "" {
			return total, nil
		}

		_, n, err = readNullTerminatedString(r)
		if err != nil {
			return total, err
		}
		total += n
	}
}

// readNullTerminatedString reads bytes up to and including a 0x00
// terminator, bounded to maxPBOStringLen bytes. Returns the string
// (terminator stripped) and the number of bytes consumed including the
// terminator. Reaching EOF with zero bytes read returns ("", 0, nil) so
// callers can detect a clean end of stream.
func readNullTerminatedString(r *bufio.Reader) (string, int64, error) {
	var buf []byte

	for {
		if len(buf) >= maxPBOStringLen {
			return "", 0, ErrPboParse
		}

		b, err := r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) && len(buf) == 0 {
				return "", 0, nil
			}

			return "", 0, fmt.Errorf("reading string: %w", err)
		}

		if b == 0 {
			return string(buf), int64(len(buf)) + 1, nil
		}

		buf = append(buf, b)
	}
}
