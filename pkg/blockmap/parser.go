package blockmap

import (
	"encoding/base64"
	"encoding/xml"
	"io"
	"strconv"

	"github.com/buildbarn/msix-blockmap/pkg/util"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// blockMapNamespace is the XML namespace of the BlockMap root element,
// as defined by the MSIX/APPX packaging schema.
const blockMapNamespace = "http://schemas.microsoft.com/appx/2010/blockmap"

// contentTypesName is reserved for the ZIP container's content-types
// part; a block-map MUST NOT track it.
const contentTypesName = "[Content_Types].xml"

// hashMethods maps a HashMethod URI to the digest length it implies.
// MSIX defines only SHA-256 today; an unrecognized URI is rejected at
// parse time rather than deferred to validating-stream construction.
var hashMethods = map[string]int{
	"http://www.w3.org/2001/04/xmlenc#sha256": 32,
}

// ParseBlockMap reads AppxBlockMap.xml from r and returns the parsed,
// immutable BlockMap. Parsing fails with a BlockMapXmlError-coded
// status if the document is malformed or uses the wrong root element,
// and with a BlockMapSemanticError-coded status if it is well-formed
// XML that violates one of the block-map's structural invariants
// (duplicate or reserved file name, bad block hash, inconsistent block
// count).
//
// The decoder neither resolves external entities nor fetches a DTD;
// encoding/xml supports neither, so there is nothing to disable.
func ParseBlockMap(r io.Reader) (*BlockMap, error) {
	dec := xml.NewDecoder(r)

	root, err := nextStartElement(dec)
	if err != nil {
		return nil, util.StatusWrapWithCode(err, codes.InvalidArgument, "Failed to read BlockMap root element")
	}
	if root.Name.Space != blockMapNamespace || root.Name.Local != "BlockMap" {
		return nil, status.Errorf(codes.InvalidArgument, "Root element is {%s}%s, expected {%s}BlockMap", root.Name.Space, root.Name.Local, blockMapNamespace)
	}
	hashMethod, ok := attr(root, "HashMethod")
	if !ok {
		return nil, status.Error(codes.InvalidArgument, "BlockMap element is missing the HashMethod attribute")
	}
	hashSize, ok := hashMethods[hashMethod]
	if !ok {
		return nil, status.Errorf(codes.FailedPrecondition, "Unsupported HashMethod %#v", hashMethod)
	}

	m := &BlockMap{
		hashMethod: hashMethod,
		files:      map[string]*File{},
	}

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, util.StatusWrapWithCode(err, codes.InvalidArgument, "Failed to read BlockMap XML")
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Space != blockMapNamespace || t.Name.Local != "File" {
				if err := dec.Skip(); err != nil {
					return nil, util.StatusWrapWithCode(err, codes.InvalidArgument, "Failed to skip unrecognized element")
				}
				continue
			}
			file, err := parseFile(dec, t, hashSize)
			if err != nil {
				return nil, err
			}
			if file.Name == contentTypesName {
				return nil, status.Errorf(codes.FailedPrecondition, "File %#v is reserved for the ZIP container and cannot appear in the block-map", contentTypesName)
			}
			if _, exists := m.files[file.Name]; exists {
				return nil, status.Errorf(codes.FailedPrecondition, "Duplicate File element for %#v", file.Name)
			}
			m.files[file.Name] = file
			m.names = append(m.names, file.Name)
		case xml.EndElement:
			if t.Name.Space == blockMapNamespace && t.Name.Local == "BlockMap" {
				return m, nil
			}
		}
	}
	return m, nil
}

// parseFile parses a single <File> element, including its <Block>
// children, after its opening tag has already been consumed from dec.
func parseFile(dec *xml.Decoder, start xml.StartElement, hashSize int) (*File, error) {
	name, ok := attr(start, "Name")
	if !ok || name == "" {
		return nil, status.Error(codes.FailedPrecondition, "File element is missing the Name attribute")
	}
	sizeAttr, ok := attr(start, "Size")
	if !ok {
		return nil, status.Errorf(codes.FailedPrecondition, "File %#v is missing the Size attribute", name)
	}
	uncompressedSize, err := strconv.ParseUint(sizeAttr, 10, 64)
	if err != nil {
		return nil, status.Errorf(codes.FailedPrecondition, "File %#v has an invalid Size attribute %#v: %s", name, sizeAttr, err)
	}
	lfhAttr, ok := attr(start, "LfhSize")
	if !ok {
		return nil, status.Errorf(codes.FailedPrecondition, "File %#v is missing the LfhSize attribute", name)
	}
	lfhSize, err := strconv.ParseUint(lfhAttr, 10, 32)
	if err != nil {
		return nil, status.Errorf(codes.FailedPrecondition, "File %#v has an invalid LfhSize attribute %#v: %s", name, lfhAttr, err)
	}

	var blocks []Block
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, util.StatusWrapfWithCode(err, codes.InvalidArgument, "Failed to read Block elements of file %#v", name)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local != "Block" {
				if err := dec.Skip(); err != nil {
					return nil, util.StatusWrapfWithCode(err, codes.InvalidArgument, "Failed to skip unrecognized element of file %#v", name)
				}
				continue
			}
			block, err := parseBlock(t, name, hashSize)
			if err != nil {
				return nil, err
			}
			blocks = append(blocks, block)
		case xml.EndElement:
			if t.Name.Local == "File" {
				if err := checkBlockCount(name, uncompressedSize, len(blocks)); err != nil {
					return nil, err
				}
				return &File{
					Name:                name,
					UncompressedSize:    uncompressedSize,
					LocalFileHeaderSize: uint32(lfhSize),
					Blocks:              blocks,
				}, nil
			}
		}
	}
}

// parseBlock parses a single <Block> element. A missing Size attribute
// defaults to BlockSize, matching the reference implementation's
// compatibility behavior (only meaningful for stored entries; ignored
// for deflate entries, where the ZIP frame's compressed length is
// authoritative).
func parseBlock(start xml.StartElement, fileName string, hashSize int) (Block, error) {
	hashAttr, ok := attr(start, "Hash")
	if !ok {
		return Block{}, status.Errorf(codes.FailedPrecondition, "A Block of file %#v is missing the Hash attribute", fileName)
	}
	hash, err := base64.StdEncoding.DecodeString(hashAttr)
	if err != nil {
		return Block{}, status.Errorf(codes.FailedPrecondition, "A Block of file %#v has an invalid Base64 Hash: %s", fileName, err)
	}
	if len(hash) != hashSize {
		return Block{}, status.Errorf(codes.FailedPrecondition, "A Block of file %#v has a %d-byte hash, expected %d bytes", fileName, len(hash), hashSize)
	}

	compressedSize := uint64(BlockSize)
	if sizeAttr, ok := attr(start, "Size"); ok {
		v, err := strconv.ParseUint(sizeAttr, 10, 64)
		if err != nil {
			return Block{}, status.Errorf(codes.FailedPrecondition, "A Block of file %#v has an invalid Size attribute %#v: %s", fileName, sizeAttr, err)
		}
		compressedSize = v
	}
	return Block{Hash: hash, CompressedSize: compressedSize}, nil
}

// checkBlockCount validates the invariant from the data model: the
// number of blocks parsed for a file must equal ceil(size/BlockSize),
// or zero when the file is empty.
func checkBlockCount(name string, uncompressedSize uint64, n int) error {
	want := BlockCount(uncompressedSize)
	if n != want {
		return status.Errorf(codes.FailedPrecondition, "File %#v declares %d bytes (%d blocks), but has %d Block elements", name, uncompressedSize, want, n)
	}
	return nil
}

// attr looks up an attribute by local name, ignoring its namespace
// (block-map attributes are unqualified).
func attr(start xml.StartElement, local string) (string, bool) {
	for _, a := range start.Attr {
		if a.Name.Local == local {
			return a.Value, true
		}
	}
	return "", false
}

// nextStartElement advances the decoder to (and returns) the first
// StartElement token, skipping the XML declaration/prolog.
func nextStartElement(dec *xml.Decoder) (xml.StartElement, error) {
	for {
		tok, err := dec.Token()
		if err != nil {
			return xml.StartElement{}, err
		}
		if start, ok := tok.(xml.StartElement); ok {
			return start, nil
		}
	}
}
