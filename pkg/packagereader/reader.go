// Package packagereader is the façade that ties a parsed block-map to
// the ZIP container it describes, producing one validating stream per
// payload file. It is the entry point most callers use; pkg/blockmap,
// pkg/zipcontainer and pkg/validatingstream are its building blocks.
package packagereader

import (
	"bytes"
	"io"
	"strings"

	"github.com/buildbarn/msix-blockmap/pkg/blockmap"
	"github.com/buildbarn/msix-blockmap/pkg/util"
	"github.com/buildbarn/msix-blockmap/pkg/validatingstream"
	"github.com/buildbarn/msix-blockmap/pkg/zipcontainer"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Reader is an opened MSIX/APPX package: a ZIP container paired with
// the block-map that describes its payload files. It is immutable
// after Open and safe for concurrent use; each call to Open(name)
// returns an independently owned validating stream.
type Reader struct {
	blockMap    *blockmap.BlockMap
	blockMapRaw []byte
	container   *zipcontainer.Container
}

// Open parses the block-map and the ZIP container and cross-checks
// them enough to construct a Reader: it does not yet validate any
// payload file's bytes, only that every block-map entry has a
// corresponding ZIP entry with a matching local file header size and
// compression-eligible size.
func Open(packageData io.ReaderAt, size int64, blockMapXML io.Reader) (*Reader, error) {
	raw, err := io.ReadAll(blockMapXML)
	if err != nil {
		return nil, status.Errorf(codes.Unknown, "Failed to read block-map XML: %s", err)
	}
	m, err := blockmap.ParseBlockMap(bytes.NewReader(raw))
	if err != nil {
		return nil, util.StatusWrap(err, "Failed to parse block-map")
	}
	c, err := zipcontainer.Open(packageData, size)
	if err != nil {
		return nil, util.StatusWrap(err, "Failed to open ZIP container")
	}
	r := &Reader{blockMap: m, blockMapRaw: raw, container: c}

	for _, name := range m.Files() {
		f, _ := m.File(name)
		entry, ok := c.Entry(toZipName(name))
		if !ok {
			return nil, status.Errorf(codes.FailedPrecondition, "Block-map declares file %#v, which is not present in the ZIP container", name)
		}
		if uint64(entry.LocalFileHeaderSize) != uint64(f.LocalFileHeaderSize) {
			return nil, status.Errorf(codes.FailedPrecondition, "Block-map declares a %d-byte local file header for %#v, but the ZIP container's is %d bytes", f.LocalFileHeaderSize, name, entry.LocalFileHeaderSize)
		}
		if entry.UncompressedLength != f.UncompressedSize {
			return nil, status.Errorf(codes.FailedPrecondition, "Block-map declares %#v as %d bytes, but the ZIP container's entry is %d bytes", name, f.UncompressedSize, entry.UncompressedLength)
		}
	}
	return r, nil
}

// Files returns the payload file names tracked by the package's
// block-map, in the order they appeared in the block-map XML.
func (r *Reader) Files() []string {
	return r.blockMap.Files()
}

// Open returns a validating stream over the plaintext of the named
// payload file. name may be written with either '/' or '\' as its
// path separator; it is normalized to the block-map's '\' convention
// before lookup.
//
// Two distinct failures are both reported as errors, but with
// different codes: a name absent from the ZIP container entirely
// (the package simply does not contain it) is NotFound, while a name
// present in the ZIP container but never declared by the block-map
// (a package whose payload and block-map have drifted out of sync) is
// a FailedPrecondition-coded block-map semantic error.
func (r *Reader) Open(name string) (*validatingstream.Stream, error) {
	name = toBlockMapName(name)

	entry, ok := r.container.Entry(toZipName(name))
	if !ok {
		return nil, status.Errorf(codes.NotFound, "Package does not contain a file named %#v", name)
	}
	f, err := r.blockMap.CheckedFile(name)
	if err != nil {
		return nil, util.StatusWrap(err, "File is present in the ZIP container but is not declared by the block-map")
	}

	return validatingstream.New(f, entry.Method, entry.CompressedLength, func() (io.ReadCloser, error) {
		return r.container.OpenRaw(entry.Name)
	})
}

// BlockMapReader returns a reader over the exact bytes of
// AppxBlockMap.xml that were parsed by Open, for callers that need to
// re-hash the block-map document itself as part of detached-signature
// validation. Signature validation itself is out of scope for this
// module; it only guarantees these are the same bytes ParseBlockMap
// saw, not a reconstruction of them.
func (r *Reader) BlockMapReader() io.Reader {
	return bytes.NewReader(r.blockMapRaw)
}

// toZipName translates a block-map ('\'-separated) name to the ZIP
// container's ('/'-separated) convention.
func toZipName(name string) string {
	return strings.ReplaceAll(name, `\`, "/")
}

// toBlockMapName translates a name using either path-separator
// convention to the block-map's '\'-separated one.
func toBlockMapName(name string) string {
	return strings.ReplaceAll(name, "/", `\`)
}
