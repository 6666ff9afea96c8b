package relay

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// maxBundleBytes bounds a decompressed bundle.
const maxBundleBytes = 256 << 20

// EncodeBundle gzips raw and returns it base64 encoded for a create
// message.
func EncodeBundle(raw []byte) (string, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPayload, err)
	}
	if _, err := zw.Write(raw); err != nil {
		return "", fmt.Errorf("%w: %v", ErrPayload, err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrPayload, err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// DecodeBundle reverses EncodeBundle.
func DecodeBundle(payload string) ([]byte, error) {
	compressed, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %v", ErrPayload, err)
	}
	zr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("%w: gzip: %v", ErrPayload, err)
	}
	defer zr.Close()
	raw, err := io.ReadAll(io.LimitReader(zr, maxBundleBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: gzip: %v", ErrPayload, err)
	}
	if len(raw) > maxBundleBytes {
		return nil, fmt.Errorf("%w: bundle exceeds %d bytes", ErrPayload, maxBundleBytes)
	}
	return raw, nil
}
