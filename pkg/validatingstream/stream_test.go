package validatingstream_test

import (
	"archive/zip"
	"bytes"
	"crypto/sha256"
	"io"
	"testing"

	"github.com/buildbarn/msix-blockmap/pkg/blockmap"
	"github.com/buildbarn/msix-blockmap/pkg/validatingstream"
	"github.com/buildbarn/msix-blockmap/pkg/zipcontainer"

	"github.com/stretchr/testify/require"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// fixture builds a ZIP container holding a single entry with the given
// name, content and compression method, together with the
// blockmap.File that correctly describes it.
func fixture(t *testing.T, name string, content []byte, method uint16) (*zipcontainer.Container, *blockmap.File) {
	t.Helper()

	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	f, err := w.CreateHeader(&zip.FileHeader{Name: name, Method: method})
	require.NoError(t, err)
	_, err = f.Write(content)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	c, err := zipcontainer.Open(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)

	n := blockmap.BlockCount(uint64(len(content)))
	blocks := make([]blockmap.Block, n)
	for i := 0; i < n; i++ {
		start := i * blockmap.BlockSize
		end := start + int(blockmap.BlockLength(uint64(len(content)), i))
		sum := sha256.Sum256(content[start:end])
		blocks[i] = blockmap.Block{Hash: sum[:]}
	}
	_, ok := c.Entry(name)
	require.True(t, ok)

	return c, &blockmap.File{
		Name:             name,
		UncompressedSize: uint64(len(content)),
		Blocks:           blocks,
	}
}

func openStream(t *testing.T, c *zipcontainer.Container, file *blockmap.File, method zipcontainer.Method, compressedLength uint64) *validatingstream.Stream {
	t.Helper()
	s, err := validatingstream.New(file, method, compressedLength, func() (io.ReadCloser, error) {
		return c.OpenRaw(file.Name)
	})
	require.NoError(t, err)
	return s
}

func TestStreamReadStored(t *testing.T) {
	content := bytes.Repeat([]byte("a"), 150000)
	c, file := fixture(t, "payload.bin", content, zip.Store)
	entry, _ := c.Entry("payload.bin")

	s := openStream(t, c, file, zipcontainer.Stored, entry.CompressedLength)
	defer s.Close()

	got, err := io.ReadAll(s)
	require.NoError(t, err)
	require.Equal(t, content, got)
}

func TestStreamReadDeflate(t *testing.T) {
	content := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog "), 5000)
	c, file := fixture(t, "payload.bin", content, zip.Deflate)
	entry, _ := c.Entry("payload.bin")

	s := openStream(t, c, file, zipcontainer.Deflate, entry.CompressedLength)
	defer s.Close()

	got, err := io.ReadAll(s)
	require.NoError(t, err)
	require.Equal(t, content, got)
}

func TestStreamSeek(t *testing.T) {
	content := bytes.Repeat([]byte("0123456789"), 20000) // 4 blocks
	c, file := fixture(t, "payload.bin", content, zip.Store)
	entry, _ := c.Entry("payload.bin")

	s := openStream(t, c, file, zipcontainer.Stored, entry.CompressedLength)
	defer s.Close()

	t.Run("SeekWithinWindowIsCheap", func(t *testing.T) {
		buf := make([]byte, 10)
		_, err := io.ReadFull(s, buf)
		require.NoError(t, err)

		pos, err := s.Seek(0, io.SeekStart)
		require.NoError(t, err)
		require.Equal(t, int64(0), pos)

		got := make([]byte, 10)
		_, err = io.ReadFull(s, got)
		require.NoError(t, err)
		require.Equal(t, content[:10], got)
	})

	t.Run("SeekForwardAcrossBlocks", func(t *testing.T) {
		target := int64(2 * blockmap.BlockSize)
		pos, err := s.Seek(target, io.SeekStart)
		require.NoError(t, err)
		require.Equal(t, target, pos)

		got := make([]byte, 10)
		_, err = io.ReadFull(s, got)
		require.NoError(t, err)
		require.Equal(t, content[target:target+10], got)
	})

	t.Run("SeekBackwardRereads", func(t *testing.T) {
		pos, err := s.Seek(5, io.SeekStart)
		require.NoError(t, err)
		require.Equal(t, int64(5), pos)

		got := make([]byte, 10)
		_, err = io.ReadFull(s, got)
		require.NoError(t, err)
		require.Equal(t, content[5:15], got)
	})

	t.Run("SeekEnd", func(t *testing.T) {
		pos, err := s.Seek(0, io.SeekEnd)
		require.NoError(t, err)
		require.Equal(t, int64(len(content)), pos)

		_, err = s.Read(make([]byte, 1))
		require.Equal(t, io.EOF, err)
	})

	t.Run("SeekOutOfRange", func(t *testing.T) {
		_, err := s.Seek(-1, io.SeekStart)
		require.Error(t, err)
		require.Equal(t, codes.InvalidArgument, status.Code(err))

		_, err = s.Seek(int64(len(content))+1, io.SeekStart)
		require.Error(t, err)
		require.Equal(t, codes.InvalidArgument, status.Code(err))
	})
}

func TestStreamHashMismatchPoisonsStream(t *testing.T) {
	content := bytes.Repeat([]byte("b"), 100)
	c, file := fixture(t, "payload.bin", content, zip.Store)
	entry, _ := c.Entry("payload.bin")

	// Corrupt the only block's declared hash.
	file.Blocks[0].Hash[0] ^= 0xFF

	s := openStream(t, c, file, zipcontainer.Stored, entry.CompressedLength)
	defer s.Close()

	_, err := io.ReadAll(s)
	require.Error(t, err)
	require.Equal(t, codes.DataLoss, status.Code(err))

	// The stream is poisoned: every subsequent call returns the same error.
	_, err2 := s.Read(make([]byte, 1))
	require.Equal(t, err, err2)
}

func TestStreamCompressionMismatch(t *testing.T) {
	content := bytes.Repeat([]byte("c"), 100)
	c, file := fixture(t, "payload.bin", content, zip.Deflate)
	entry, _ := c.Entry("payload.bin")

	// Declare a compressed size per block that disagrees with the
	// actual ZIP entry's compressed length (the fixture leaves
	// CompressedSize at its zero value, which New would otherwise
	// treat as "not declared" and skip the cross-check).
	file.Blocks[0].CompressedSize = entry.CompressedLength + 1

	_, err := validatingstream.New(file, zipcontainer.Deflate, entry.CompressedLength, func() (io.ReadCloser, error) {
		return c.OpenRaw(file.Name)
	})
	require.Error(t, err)
	require.Equal(t, codes.DataLoss, status.Code(err))
}

func TestStreamZeroLengthFile(t *testing.T) {
	c, file := fixture(t, "empty.bin", nil, zip.Store)
	entry, _ := c.Entry("empty.bin")

	s := openStream(t, c, file, zipcontainer.Stored, entry.CompressedLength)
	defer s.Close()

	got, err := io.ReadAll(s)
	require.NoError(t, err)
	require.Empty(t, got)
}
