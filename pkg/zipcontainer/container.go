// Package zipcontainer is a narrow, hand-rolled reader for the ZIP
// container that an MSIX/APPX package is built on top of. It exists
// because the block-map validator needs two facts that
// archive/zip's public API does not expose together: the exact byte
// length of each entry's local file header (cross-checked against the
// block-map's LfhSize attribute) and a raw, positioned view of the
// entry's on-disk bytes.
//
// It mirrors, in reverse, the hand-rolled ZIP encoding this module's
// teacher uses when writing archives: fixed local/central file header
// layouts, a ZIP64 extra field for sizes and offsets that overflow 32
// bits, and a trailing end-of-central-directory record.
package zipcontainer

import (
	"bytes"
	"encoding/binary"
	"io"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Method identifies a ZIP entry's compression method.
type Method uint16

const (
	// Stored entries are copied to the archive verbatim.
	Stored Method = 0
	// Deflate entries are compressed with the DEFLATE algorithm.
	Deflate Method = 8
)

const (
	endOfCentralDirectorySignature       = 0x06054b50
	zip64EndOfCentralDirectoryLocatorSig = 0x07064b50
	zip64EndOfCentralDirectorySignature  = 0x06064b50
	centralDirectoryHeaderSignature      = 0x02014b50
	localFileHeaderSignature             = 0x04034b50

	endOfCentralDirectoryFixedSize = 22
	zip64LocatorSize               = 20
	centralDirectoryFixedSize      = 46
	localFileHeaderFixedSize       = 30

	zip64ExtraFieldTag = 0x0001
)

// Entry describes one file tracked by the ZIP container's central
// directory.
type Entry struct {
	// Name is the entry's path as stored in the ZIP container,
	// '/'-separated and UTF-8 encoded.
	Name string

	Method Method

	CompressedLength   uint64
	UncompressedLength uint64

	// LocalFileHeaderSize is the byte length of the local file
	// header that precedes this entry's body.
	LocalFileHeaderSize uint32

	dataOffset int64
}

// Container is a read-only view over a ZIP archive's entries. It is
// immutable after Open and safe for concurrent use; OpenRaw may be
// called concurrently for distinct (or the same) entries, each
// returning an independent reader.
type Container struct {
	r       io.ReaderAt
	entries []Entry
	byName  map[string]int
}

// Open parses the end-of-central-directory record and central
// directory of the ZIP archive in r, which spans size bytes. It does
// not read any entry's body; use OpenRaw for that.
func Open(r io.ReaderAt, size int64) (*Container, error) {
	eocd, err := findEndOfCentralDirectory(r, size)
	if err != nil {
		return nil, err
	}

	c := &Container{
		r:      r,
		byName: map[string]int{},
	}
	off := eocd.directoryOffset
	for i := uint64(0); i < eocd.directoryEntryCount; i++ {
		entry, headerSize, err := parseCentralDirectoryHeader(r, off, size)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "Failed to parse central directory entry %d: %s", i, err)
		}
		dataOffset, lfhSize, err := parseLocalFileHeader(r, int64(entry.localHeaderOffset), size)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "Failed to parse local file header for %#v: %s", entry.name, err)
		}
		if entry.method != uint16(Stored) && entry.method != uint16(Deflate) {
			return nil, status.Errorf(codes.InvalidArgument, "Entry %#v uses unsupported compression method %d", entry.name, entry.method)
		}
		if _, exists := c.byName[entry.name]; exists {
			return nil, status.Errorf(codes.InvalidArgument, "Duplicate ZIP entry %#v", entry.name)
		}
		c.byName[entry.name] = len(c.entries)
		c.entries = append(c.entries, Entry{
			Name:                entry.name,
			Method:              Method(entry.method),
			CompressedLength:    entry.compressedSize,
			UncompressedLength:  entry.uncompressedSize,
			LocalFileHeaderSize: lfhSize,
			dataOffset:          dataOffset,
		})
		off += headerSize
	}
	return c, nil
}

// Entries returns every entry in the container, in central-directory
// order.
func (c *Container) Entries() []Entry {
	entries := make([]Entry, len(c.entries))
	copy(entries, c.entries)
	return entries
}

// Entry looks up a single entry by its exact ('/'-separated) name.
func (c *Container) Entry(name string) (Entry, bool) {
	i, ok := c.byName[name]
	if !ok {
		return Entry{}, false
	}
	return c.entries[i], true
}

// OpenRaw returns a reader over an entry's on-disk bytes, starting
// immediately after its local file header. The reader yields exactly
// Entry.CompressedLength bytes: still deflate-compressed if the entry's
// Method is Deflate, verbatim if Stored.
func (c *Container) OpenRaw(name string) (io.ReadCloser, error) {
	i, ok := c.byName[name]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "Entry %#v not found in ZIP container", name)
	}
	e := c.entries[i]
	return io.NopCloser(io.NewSectionReader(c.r, e.dataOffset, int64(e.CompressedLength))), nil
}

type endOfCentralDirectory struct {
	directoryOffset     int64
	directoryEntryCount uint64
}

// findEndOfCentralDirectory scans backward from the end of the archive
// for the end-of-central-directory signature (it may be preceded by a
// variable-length archive comment), then follows the ZIP64 locator if
// present.
func findEndOfCentralDirectory(r io.ReaderAt, size int64) (endOfCentralDirectory, error) {
	// The EOCD record is at most 22 + 65535 (max comment length)
	// bytes from the end of the file.
	maxSearch := int64(endOfCentralDirectoryFixedSize + 65535)
	searchSize := size
	if searchSize > maxSearch {
		searchSize = maxSearch
	}
	if searchSize < endOfCentralDirectoryFixedSize {
		return endOfCentralDirectory{}, status.Error(codes.InvalidArgument, "ZIP archive is too small to contain an end-of-central-directory record")
	}
	buf := make([]byte, searchSize)
	if _, err := r.ReadAt(buf, size-searchSize); err != nil {
		return endOfCentralDirectory{}, status.Errorf(codes.InvalidArgument, "Failed to read end of ZIP archive: %s", err)
	}

	sigIdx := bytes.LastIndex(buf, []byte{0x50, 0x4b, 0x05, 0x06})
	if sigIdx < 0 {
		return endOfCentralDirectory{}, status.Error(codes.InvalidArgument, "End-of-central-directory record not found")
	}
	eocdOffset := size - searchSize + int64(sigIdx)
	if eocdOffset+endOfCentralDirectoryFixedSize > size {
		return endOfCentralDirectory{}, status.Error(codes.InvalidArgument, "Truncated end-of-central-directory record")
	}
	eocd := buf[sigIdx:]

	directoryEntryCount := uint64(binary.LittleEndian.Uint16(eocd[10:12]))
	directoryOffset := uint64(binary.LittleEndian.Uint32(eocd[16:20]))

	// Try to locate a ZIP64 end-of-central-directory record, which
	// overrides the fields above when present.
	if zip64Offset, ok := findZip64Locator(r, eocdOffset); ok {
		rec, err := parseZip64EndOfCentralDirectory(r, zip64Offset, size)
		if err == nil {
			directoryEntryCount = rec.directoryEntryCount
			directoryOffset = rec.directoryOffset
		}
	}

	return endOfCentralDirectory{
		directoryOffset:     int64(directoryOffset),
		directoryEntryCount: directoryEntryCount,
	}, nil
}

// findZip64Locator looks for the ZIP64 end-of-central-directory locator
// record immediately preceding the (32-bit) EOCD record.
func findZip64Locator(r io.ReaderAt, eocdOffset int64) (int64, bool) {
	locatorOffset := eocdOffset - zip64LocatorSize
	if locatorOffset < 0 {
		return 0, false
	}
	buf := make([]byte, zip64LocatorSize)
	if _, err := r.ReadAt(buf, locatorOffset); err != nil {
		return 0, false
	}
	if binary.LittleEndian.Uint32(buf[0:4]) != zip64EndOfCentralDirectoryLocatorSig {
		return 0, false
	}
	return int64(binary.LittleEndian.Uint64(buf[8:16])), true
}

type zip64EndOfCentralDirectory struct {
	directoryEntryCount uint64
	directorySize       uint64
	directoryOffset     uint64
}

func parseZip64EndOfCentralDirectory(r io.ReaderAt, offset int64, size int64) (zip64EndOfCentralDirectory, error) {
	const fixedSize = 56
	if offset < 0 || offset+fixedSize > size {
		return zip64EndOfCentralDirectory{}, status.Error(codes.InvalidArgument, "Truncated ZIP64 end-of-central-directory record")
	}
	buf := make([]byte, fixedSize)
	if _, err := r.ReadAt(buf, offset); err != nil {
		return zip64EndOfCentralDirectory{}, err
	}
	if binary.LittleEndian.Uint32(buf[0:4]) != zip64EndOfCentralDirectorySignature {
		return zip64EndOfCentralDirectory{}, status.Error(codes.InvalidArgument, "Bad ZIP64 end-of-central-directory signature")
	}
	return zip64EndOfCentralDirectory{
		directoryEntryCount: binary.LittleEndian.Uint64(buf[32:40]),
		directorySize:       binary.LittleEndian.Uint64(buf[40:48]),
		directoryOffset:     binary.LittleEndian.Uint64(buf[48:56]),
	}, nil
}

type centralDirectoryEntry struct {
	name              string
	method            uint16
	compressedSize    uint64
	uncompressedSize  uint64
	localHeaderOffset uint64
}

// parseCentralDirectoryHeader parses one central directory file header
// starting at off, returning the parsed entry and the total number of
// bytes it occupies (so the caller can advance to the next one).
func parseCentralDirectoryHeader(r io.ReaderAt, off int64, size int64) (centralDirectoryEntry, int64, error) {
	if off < 0 || off+centralDirectoryFixedSize > size {
		return centralDirectoryEntry{}, 0, status.Error(codes.InvalidArgument, "Truncated central directory header")
	}
	fixed := make([]byte, centralDirectoryFixedSize)
	if _, err := r.ReadAt(fixed, off); err != nil {
		return centralDirectoryEntry{}, 0, err
	}
	if binary.LittleEndian.Uint32(fixed[0:4]) != centralDirectoryHeaderSignature {
		return centralDirectoryEntry{}, 0, status.Error(codes.InvalidArgument, "Bad central directory header signature")
	}

	method := binary.LittleEndian.Uint16(fixed[10:12])
	compressedSize := uint64(binary.LittleEndian.Uint32(fixed[20:24]))
	uncompressedSize := uint64(binary.LittleEndian.Uint32(fixed[24:28]))
	nameLen := int(binary.LittleEndian.Uint16(fixed[28:30]))
	extraLen := int(binary.LittleEndian.Uint16(fixed[30:32]))
	commentLen := int(binary.LittleEndian.Uint16(fixed[32:34]))
	localHeaderOffset := uint64(binary.LittleEndian.Uint32(fixed[42:46]))

	variableLen := nameLen + extraLen + commentLen
	totalSize := int64(centralDirectoryFixedSize + variableLen)
	if off+totalSize > size {
		return centralDirectoryEntry{}, 0, status.Error(codes.InvalidArgument, "Truncated central directory entry name/extra/comment")
	}
	variable := make([]byte, variableLen)
	if _, err := r.ReadAt(variable, off+centralDirectoryFixedSize); err != nil {
		return centralDirectoryEntry{}, 0, err
	}
	name := string(variable[:nameLen])
	extra := variable[nameLen : nameLen+extraLen]

	compressedSize, uncompressedSize, localHeaderOffset = applyZip64Extra(
		extra, compressedSize, uncompressedSize, localHeaderOffset)

	return centralDirectoryEntry{
		name:              name,
		method:            method,
		compressedSize:    compressedSize,
		uncompressedSize:  uncompressedSize,
		localHeaderOffset: localHeaderOffset,
	}, totalSize, nil
}

// applyZip64Extra scans a central directory entry's extra field for a
// ZIP64 block and, when present, overrides whichever 32-bit fields were
// set to their overflow sentinel 0xFFFFFFFF. The fields are present in
// the ZIP64 extra data in a fixed order (uncompressed size, compressed
// size, then local header offset), and only for fields whose fixed-size
// value overflowed.
func applyZip64Extra(extra []byte, compressedSize, uncompressedSize, localHeaderOffset uint64) (uint64, uint64, uint64) {
	for len(extra) >= 4 {
		tag := binary.LittleEndian.Uint16(extra[0:2])
		dataSize := int(binary.LittleEndian.Uint16(extra[2:4]))
		if 4+dataSize > len(extra) {
			break
		}
		data := extra[4 : 4+dataSize]
		if tag == zip64ExtraFieldTag {
			pos := 0
			if uncompressedSize == 0xFFFFFFFF && pos+8 <= len(data) {
				uncompressedSize = binary.LittleEndian.Uint64(data[pos : pos+8])
				pos += 8
			}
			if compressedSize == 0xFFFFFFFF && pos+8 <= len(data) {
				compressedSize = binary.LittleEndian.Uint64(data[pos : pos+8])
				pos += 8
			}
			if localHeaderOffset == 0xFFFFFFFF && pos+8 <= len(data) {
				localHeaderOffset = binary.LittleEndian.Uint64(data[pos : pos+8])
				pos += 8
			}
			return compressedSize, uncompressedSize, localHeaderOffset
		}
		extra = extra[4+dataSize:]
	}
	return compressedSize, uncompressedSize, localHeaderOffset
}

// parseLocalFileHeader reads the local file header at off, returning
// the offset of the entry's data (immediately following the header)
// and the header's total size.
func parseLocalFileHeader(r io.ReaderAt, off int64, size int64) (int64, uint32, error) {
	if off < 0 || off+localFileHeaderFixedSize > size {
		return 0, 0, status.Error(codes.InvalidArgument, "Truncated local file header")
	}
	fixed := make([]byte, localFileHeaderFixedSize)
	if _, err := r.ReadAt(fixed, off); err != nil {
		return 0, 0, err
	}
	if binary.LittleEndian.Uint32(fixed[0:4]) != localFileHeaderSignature {
		return 0, 0, status.Error(codes.InvalidArgument, "Bad local file header signature")
	}
	nameLen := int(binary.LittleEndian.Uint16(fixed[26:28]))
	extraLen := int(binary.LittleEndian.Uint16(fixed[28:30]))

	headerSize := int64(localFileHeaderFixedSize + nameLen + extraLen)
	if off+headerSize > size {
		return 0, 0, status.Error(codes.InvalidArgument, "Truncated local file header name/extra")
	}
	return off + headerSize, uint32(headerSize), nil
}
