package cellstore

// CompressForExport LZ4-compresses a snapshot's bytes for transmission to
// an out-of-process consumer. It is the exported counterpart of the
// internal compressValue helper: the hot read/write path never pays for
// compression. pkg/mcpintrospect does not call it; its read_cell tool
// returns raw snapshot bytes.
func CompressForExport(raw []byte) (data []byte, compressed bool, err error) {
	return compressValue(raw)
}

// DecompressFromExport reverses CompressForExport.
func DecompressFromExport(data []byte) ([]byte, error) {
	return decompressValue(data)
}
