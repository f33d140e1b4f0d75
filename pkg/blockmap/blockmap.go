// Package blockmap holds the in-memory representation of an MSIX/APPX
// block-map: the set of payload files tracked by AppxBlockMap.xml, each
// split into fixed-size blocks with a per-block cryptographic hash.
package blockmap

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// BlockSize is the nominal number of uncompressed bytes covered by a
// block. Every block of a file is exactly this size, except the file's
// final block, which covers whatever remains (1..BlockSize bytes).
const BlockSize = 65536

// Block is a contiguous run of a payload file's uncompressed bytes,
// individually hashed.
type Block struct {
	// Hash is the digest of the block's uncompressed bytes, using
	// the BlockMap's declared hash method.
	Hash []byte

	// CompressedSize is this block's length on disk inside the ZIP
	// entry, when the entry is deflate-compressed. ParseBlockMap sets
	// it to BlockSize when the block-map omits the Block's Size
	// attribute.
	CompressedSize uint64
}

// File is one payload file tracked by a BlockMap.
type File struct {
	// Name is the file's path as written in the block-map, using
	// '\' as a separator.
	Name string

	// UncompressedSize is the file's total uncompressed length.
	UncompressedSize uint64

	// LocalFileHeaderSize is the byte length of the ZIP local file
	// header that precedes this entry's body, as declared by the
	// block-map (cross-checked against the ZIP container itself).
	LocalFileHeaderSize uint32

	// Blocks is the ordered sequence of this file's blocks. Empty
	// if and only if UncompressedSize is zero.
	Blocks []Block
}

// BlockCount returns the number of blocks a file of the given
// uncompressed size is split into.
func BlockCount(uncompressedSize uint64) int {
	if uncompressedSize == 0 {
		return 0
	}
	return int((uncompressedSize + BlockSize - 1) / BlockSize)
}

// BlockLength returns the number of plaintext bytes covered by block
// index i of a file with the given uncompressed size.
func BlockLength(uncompressedSize uint64, i int) uint64 {
	n := BlockCount(uncompressedSize)
	if i < n-1 {
		return BlockSize
	}
	return uncompressedSize - BlockSize*uint64(n-1)
}

// BlockMap is the root of the parsed block-map: a hash method plus the
// set of tracked files, keyed by name. It is immutable after
// construction by ParseBlockMap and safe for concurrent readers.
type BlockMap struct {
	hashMethod string
	names      []string
	files      map[string]*File
}

// HashMethod returns the URI identifying the hash algorithm used by
// every block in this BlockMap (e.g.
// "http://www.w3.org/2001/04/xmlenc#sha256").
func (m *BlockMap) HashMethod() string {
	return m.hashMethod
}

// Files returns the tracked file names, in the order they appeared in
// the block-map XML.
func (m *BlockMap) Files() []string {
	names := make([]string, len(m.names))
	copy(names, m.names)
	return names
}

// File looks up a tracked file by its exact ('\'-separated, case
// sensitive) name.
func (m *BlockMap) File(name string) (*File, bool) {
	f, ok := m.files[name]
	return f, ok
}

// CheckedFile looks up a tracked file by name, the way
// validationStreamFor's lookup is described in spec.md §4.1: a name the
// block-map never declared is not a missing-file condition but a
// violation of the block-map's own contract, so it fails with a
// BlockMapSemanticError-coded status rather than a plain boolean.
// Callers that construct a validating stream over the returned File
// (package validatingstream cannot be imported here without a cycle,
// since it already depends on this package) should use this instead of
// File when the distinction from a NotFound-coded absence matters.
func (m *BlockMap) CheckedFile(name string) (*File, error) {
	f, ok := m.files[name]
	if !ok {
		return nil, status.Errorf(codes.FailedPrecondition, "File %#v is not declared by the block-map", name)
	}
	return f, nil
}
