package packagereader_test

import (
	"archive/zip"
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"io"
	"strconv"
	"strings"
	"testing"

	"github.com/buildbarn/msix-blockmap/pkg/blockmap"
	"github.com/buildbarn/msix-blockmap/pkg/packagereader"
	"github.com/buildbarn/msix-blockmap/pkg/zipcontainer"

	"github.com/stretchr/testify/require"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// buildPackage writes a ZIP archive containing the given files (keyed
// by their ZIP '/'-separated name) and the AppxBlockMap.xml that
// correctly describes every one of them, in block-map order.
func buildPackage(t *testing.T, order []string, files map[string][]byte) ([]byte, string) {
	t.Helper()

	var zipBuf bytes.Buffer
	w := zip.NewWriter(&zipBuf)
	for _, name := range order {
		f, err := w.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Store})
		require.NoError(t, err)
		_, err = f.Write(files[name])
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	packageData := zipBuf.Bytes()

	c, err := zipcontainer.Open(bytes.NewReader(packageData), int64(len(packageData)))
	require.NoError(t, err)

	var xml strings.Builder
	xml.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
	xml.WriteString(`<BlockMap xmlns="http://schemas.microsoft.com/appx/2010/blockmap" HashMethod="http://www.w3.org/2001/04/xmlenc#sha256">`)
	for _, name := range order {
		content := files[name]
		entry, ok := c.Entry(name)
		require.True(t, ok)

		blockMapName := strings.ReplaceAll(name, "/", `\`)
		xml.WriteString(`<File Name="` + blockMapName + `" Size="` + strconv.Itoa(len(content)) + `" LfhSize="` + strconv.Itoa(int(entry.LocalFileHeaderSize)) + `">`)
		n := blockmap.BlockCount(uint64(len(content)))
		for i := 0; i < n; i++ {
			start := i * blockmap.BlockSize
			end := start + int(blockmap.BlockLength(uint64(len(content)), i))
			sum := sha256.Sum256(content[start:end])
			xml.WriteString(`<Block Hash="` + base64.StdEncoding.EncodeToString(sum[:]) + `"/>`)
		}
		xml.WriteString(`</File>`)
	}
	xml.WriteString(`</BlockMap>`)

	return packageData, xml.String()
}

func TestReaderOpen(t *testing.T) {
	files := map[string][]byte{
		"docs/readme.txt": bytes.Repeat([]byte("r"), 300000),
		"app/main.dll":    []byte("binary content"),
	}
	order := []string{"docs/readme.txt", "app/main.dll"}
	packageData, blockMapXML := buildPackage(t, order, files)

	r, err := packagereader.Open(bytes.NewReader(packageData), int64(len(packageData)), strings.NewReader(blockMapXML))
	require.NoError(t, err)

	t.Run("Files", func(t *testing.T) {
		require.Equal(t, []string{`docs\readme.txt`, `app\main.dll`}, r.Files())
	})

	t.Run("OpenByZipStyleName", func(t *testing.T) {
		s, err := r.Open("docs/readme.txt")
		require.NoError(t, err)
		defer s.Close()
		got, err := io.ReadAll(s)
		require.NoError(t, err)
		require.Equal(t, files["docs/readme.txt"], got)
	})

	t.Run("OpenByBlockMapStyleName", func(t *testing.T) {
		s, err := r.Open(`app\main.dll`)
		require.NoError(t, err)
		defer s.Close()
		got, err := io.ReadAll(s)
		require.NoError(t, err)
		require.Equal(t, files["app/main.dll"], got)
	})

	t.Run("NotInPackage", func(t *testing.T) {
		_, err := r.Open("does/not-exist.txt")
		require.Error(t, err)
		require.Equal(t, codes.NotFound, status.Code(err))
	})

	t.Run("BlockMapReaderReturnsOriginalBytes", func(t *testing.T) {
		got, err := io.ReadAll(r.BlockMapReader())
		require.NoError(t, err)
		require.Equal(t, blockMapXML, string(got))
	})
}

func TestReaderOpenRejectsFileMissingFromBlockMap(t *testing.T) {
	files := map[string][]byte{
		"a.txt": []byte("hello"),
	}
	packageData, blockMapXML := buildPackage(t, []string{"a.txt"}, files)

	// Add a second ZIP entry that the block-map never declares.
	var zipBuf bytes.Buffer
	zr, err := zip.NewReader(bytes.NewReader(packageData), int64(len(packageData)))
	require.NoError(t, err)
	zw := zip.NewWriter(&zipBuf)
	for _, f := range zr.File {
		src, err := f.Open()
		require.NoError(t, err)
		dst, err := zw.CreateHeader(&zip.FileHeader{Name: f.Name, Method: zip.Store})
		require.NoError(t, err)
		_, err = io.Copy(dst, src)
		require.NoError(t, err)
	}
	extra, err := zw.CreateHeader(&zip.FileHeader{Name: "undeclared.txt", Method: zip.Store})
	require.NoError(t, err)
	_, err = extra.Write([]byte("surprise"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	packageData = zipBuf.Bytes()

	r, err := packagereader.Open(bytes.NewReader(packageData), int64(len(packageData)), strings.NewReader(blockMapXML))
	require.NoError(t, err)

	_, err = r.Open("undeclared.txt")
	require.Error(t, err)
	require.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestReaderOpenRejectsBlockMapFileMissingFromPackage(t *testing.T) {
	files := map[string][]byte{
		"a.txt": []byte("hello"),
	}
	packageData, blockMapXML := buildPackage(t, []string{"a.txt"}, files)
	blockMapXML = strings.Replace(blockMapXML, `Name="a.txt"`, `Name="b.txt"`, 1)

	_, err := packagereader.Open(bytes.NewReader(packageData), int64(len(packageData)), strings.NewReader(blockMapXML))
	require.Error(t, err)
	require.Equal(t, codes.FailedPrecondition, status.Code(err))
}
