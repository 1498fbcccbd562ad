package hashing

import (
	"bytes"
	"crypto/md5" //nolint:gosec
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func md5UpperHex(b []byte) string {
	sum := md5.Sum(b) //nolint:gosec
	return strings.ToUpper(fmt.Sprintf("%x", sum))
}

func TestHashOpaqueSmallFile(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "file.txt")
	require.NoError(t, os.WriteFile(p, []byte("hello"), 0o644))

	res, err := HashFile(p, "file.txt")
	require.NoError(t, err)
	require.Len(t, res.Parts, 1)

	assert := require.New(t)
	assert.Equal("file.txt_5", res.Parts[0].Path)
	assert.Equal(int64(0), res.Parts[0].Start)
	assert.Equal(int64(5), res.Parts[0].Length)
	assert.Equal(md5UpperHex([]byte("hello")), res.Parts[0].Checksum)

	wantFinal := md5UpperHex([]byte(res.Parts[0].Checksum))
	assert.Equal(wantFinal, res.Checksum)
}

func TestHashOpaqueMultiChunk(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "big.bin")

	data := bytes.Repeat([]byte{0xAB}, chunkSize+10)
	require.NoError(t, os.WriteFile(p, data, 0o644))

	res, err := HashFile(p, "big.bin")
	require.NoError(t, err)
	require.Len(t, res.Parts, 2)

	require.Equal(t, "big.bin_5000000", res.Parts[0].Path)
	require.Equal(t, int64(chunkSize), res.Parts[0].Length)
	require.Equal(t, "big.bin_5000010", res.Parts[1].Path)
	require.Equal(t, int64(10), res.Parts[1].Length)
}

func TestHashDeterministic(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "file.txt")
	require.NoError(t, os.WriteFile(p, []byte("repeatable content"), 0o644))

	a, err := HashFile(p, "file.txt")
	require.NoError(t, err)
	b, err := HashFile(p, "file.txt")
	require.NoError(t, err)

	require.Equal(t, a.Checksum, b.Checksum)
}

// buildPBO writes a minimal synthetic PBO: one entry named entryName
// holding entryData, the terminator entry, then entryData followed by
// trailing (which may be nil).
func buildPBO(t *testing.T, entryName string, entryData []byte, trailing []byte) []byte {
	t.Helper()

	var buf bytes.Buffer

	writeEntry := func(name string, typeID, origSize, offset, timestamp, dataSize uint32) {
		buf.WriteString(name)
		buf.WriteByte(0)

		for _, v := range []uint32{typeID, origSize, offset, timestamp, dataSize} {
			require.NoError(t, binary.Write(&buf, binary.LittleEndian, v))
		}
	}

	writeEntry(entryName, 1, uint32(len(entryData)), 0, 0, uint32(len(entryData)))
	writeEntry("", 0, 0, 0, 0, 0) // terminator

	buf.Write(entryData)
	buf.Write(trailing)

	return buf.Bytes()
}

func TestHashPBO(t *testing.T) {
	entryData := []byte("CFG!")
	trailing := []byte("TRAILER")
	raw := buildPBO(t, "config.bin", entryData, trailing)

	dir := t.TempDir()
	p := filepath.Join(dir, "addon.pbo")
	require.NoError(t, os.WriteFile(p, raw, 0o644))

	res, err := HashFile(p, "addons/addon.pbo")
	require.NoError(t, err)
	require.Len(t, res.Parts, 3)

	require.Equal(t, headerPart, res.Parts[0].Path)
	require.Equal(t, "config.bin", res.Parts[1].Path)
	require.Equal(t, int64(len(entryData)), res.Parts[1].Length)
	require.Equal(t, md5UpperHex(entryData), res.Parts[1].Checksum)
	require.Equal(t, endPart, res.Parts[2].Path)
	require.Equal(t, md5UpperHex(trailing), res.Parts[2].Checksum)
}

func TestHashPBONoTrailing(t *testing.T) {
	raw := buildPBO(t, "config.bin", []byte("X"), nil)

	dir := t.TempDir()
	p := filepath.Join(dir, "addon.pbo")
	require.NoError(t, os.WriteFile(p, raw, 0o644))

	res, err := HashFile(p, "addons/addon.pbo")
	require.NoError(t, err)
	require.Len(t, res.Parts, 2) // header + entry, no $$END$$
}

func TestHashPBOExtensionBlockSkipped(t *testing.T) {
	var buf bytes.Buffer

	writeEntry := func(name string, typeID, origSize, offset, timestamp, dataSize uint32) {
		buf.WriteString(name)
		buf.WriteByte(0)

		for _, v := range []uint32{typeID, origSize, offset, timestamp, dataSize} {
			require.NoError(t, binary.Write(&buf, binary.LittleEndian, v))
		}
	}

	// Extension block: type id 0x56657273, then key/value pairs, empty key ends it.
	writeEntry("", pboExtensionTypeID, 0, 0, 0, 0)
	buf.WriteString("prefix")
	buf.WriteByte(0)
	buf.WriteString("x")
	buf.WriteByte(0)
	buf.WriteByte(0) // empty key terminates extension block

	entryData := []byte("DATA")
	writeEntry("real.bin", 1, uint32(len(entryData)), 0, 0, uint32(len(entryData)))
	writeEntry("", 0, 0, 0, 0, 0)
	buf.Write(entryData)

	dir := t.TempDir()
	p := filepath.Join(dir, "ext.pbo")
	require.NoError(t, os.WriteFile(p, buf.Bytes(), 0o644))

	res, err := HashFile(p, "ext.pbo")
	require.NoError(t, err)
	require.Len(t, res.Parts, 2) // header + real.bin; extension block produced no part
	require.Equal(t, "real.bin", res.Parts[1].Path)
}

func TestHashPBOStringTooLongFails(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString(strings.Repeat("a", maxPBOStringLen+1)) // no terminator within bound

	dir := t.TempDir()
	p := filepath.Join(dir, "bad.pbo")
	require.NoError(t, os.WriteFile(p, buf.Bytes(), 0o644))

	_, err := HashFile(p, "bad.pbo")
	require.ErrorIs(t, err, ErrPboParse)
}

func TestIsPBOCaseInsensitive(t *testing.T) {
	require.True(t, isPBO("addons/x.PBO"))
	require.True(t, isPBO("addons/x.pbo"))
	require.False(t, isPBO("addons/x.bin"))
}
