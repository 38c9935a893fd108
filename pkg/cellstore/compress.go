package cellstore

import (
	"bytes"
	"fmt"

	"github.com/pierrec/lz4/v4"
)

// compressionThreshold is the minimum payload size (bytes) before
// CompressForExport LZ4-compresses a cell value; values held in the
// Store are never compressed. Small values are left alone:
// LZ4's frame overhead would dominate for snapshots under a few hundred
// bytes, which is the common case for scalar task outputs (the same
// reasoning pkg/cache.LRUBlobCache applies to "don't cache blobs larger
// than the entire cache" — cheap guards before paying for the real work).
const compressionThreshold = 1024

// compressValue LZ4-compresses raw if it is large enough to be worth it,
// returning the possibly-compressed bytes and whether compression was
// applied.
func compressValue(raw []byte) (out []byte, compressed bool, err error) {
	if len(raw) < compressionThreshold {
		return raw, false, nil
	}

	var buf bytes.Buffer

	w := lz4.NewWriter(&buf)

	if _, writeErr := w.Write(raw); writeErr != nil {
		return nil, false, fmt.Errorf("cellstore: lz4 compress: %w", writeErr)
	}

	if closeErr := w.Close(); closeErr != nil {
		return nil, false, fmt.Errorf("cellstore: lz4 close: %w", closeErr)
	}

	// Only keep the compressed form if it actually won.
	if buf.Len() >= len(raw) {
		return raw, false, nil
	}

	return buf.Bytes(), true, nil
}

// decompressValue reverses compressValue.
func decompressValue(data []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(data))

	var buf bytes.Buffer

	if _, err := buf.ReadFrom(r); err != nil {
		return nil, fmt.Errorf("cellstore: lz4 decompress: %w", err)
	}

	return buf.Bytes(), nil
}
