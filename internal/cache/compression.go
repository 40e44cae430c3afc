package cache

import (
	"bytes"
	"compress/gzip"
	"io"
	"strings"
)

var compressibleTypes = []string{
	"text/",
	"application/json",
	"application/javascript",
	"application/manifest+json",
	"application/xml",
	"image/svg",
}

// ShouldCompress determines if content should be compressed based on type and size
func ShouldCompress(contentType string, size int64) bool {
	if size < MinSizeForCompression {
		return false
	}

	for _, t := range compressibleTypes {
		if strings.HasPrefix(contentType, t) {
			return true
		}
	}
	return false
}

// CompressData compresses byte data using gzip
func CompressData(data []byte) ([]byte, error) {
	var compressed bytes.Buffer
	gzipWriter := gzip.NewWriter(&compressed)

	if _, err := gzipWriter.Write(data); err != nil {
		return nil, err
	}

	if err := gzipWriter.Close(); err != nil {
		return nil, err
	}

	return compressed.Bytes(), nil
}

// DecompressData decompresses gzipped byte data
func DecompressData(data []byte) ([]byte, error) {
	gzipReader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer gzipReader.Close()

	return io.ReadAll(gzipReader)
}

// prepare fills the size and compression fields of an entry before storage.
func prepare(entry *Entry) *Entry {
	e := entry.Clone()
	e.Size = int64(len(e.Data))
	e.CompressedData = nil
	e.CompressedSize = 0
	e.IsCompressed = false

	if ShouldCompress(e.ContentType, e.Size) {
		compressed, err := CompressData(e.Data)
		if err == nil && int64(len(compressed)) < e.Size {
			e.CompressedData = compressed
			e.CompressedSize = int64(len(compressed))
			e.IsCompressed = true
		}
	}
	return e
}
