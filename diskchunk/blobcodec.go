package diskchunk

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// Blob-pool section codec tag, prefixed ahead of the length+CRC framing
// encodeSection/decodeSection already apply to every section. Chunk
// attribute files may opt into zstd framing for the blob-pool segment of
// the on-disk layout (spec §6); every other section stays uncompressed
// since rows/postings/dead-bitmap are already dense binary encodings with
// little left to gain.
const (
	blobCodecRaw  byte = 0
	blobCodecZstd byte = 1
)

// encodeBlobsPayload tags raw blob-pool bytes with their codec and, when
// compress is set, zstd-frames them. The tag lives inside the section
// payload so the surrounding length+CRC framing needs no format change.
func encodeBlobsPayload(raw []byte, compress bool) ([]byte, error) {
	if !compress {
		out := make([]byte, 1+len(raw))
		out[0] = blobCodecRaw
		copy(out[1:], raw)
		return out, nil
	}

	var buf bytes.Buffer
	buf.WriteByte(blobCodecZstd)
	enc, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, fmt.Errorf("diskchunk: zstd writer: %w", err)
	}
	if _, err := enc.Write(raw); err != nil {
		enc.Close()
		return nil, fmt.Errorf("diskchunk: zstd compress blob pool: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("diskchunk: zstd compress blob pool: %w", err)
	}
	return buf.Bytes(), nil
}

// decodeBlobsPayload strips the codec tag and, for zstd-framed payloads,
// decompresses back to the raw bytes rowstore.LoadBlobPool expects.
func decodeBlobsPayload(payload []byte) (raw []byte, compressed bool, err error) {
	if len(payload) == 0 {
		return nil, false, fmt.Errorf("diskchunk: empty blobs payload")
	}
	codec, body := payload[0], payload[1:]
	switch codec {
	case blobCodecRaw:
		return body, false, nil
	case blobCodecZstd:
		dec, err := zstd.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, false, fmt.Errorf("diskchunk: zstd reader: %w", err)
		}
		defer dec.Close()
		raw, err := io.ReadAll(dec)
		if err != nil {
			return nil, false, fmt.Errorf("diskchunk: zstd decompress blob pool: %w", err)
		}
		return raw, true, nil
	default:
		return nil, false, fmt.Errorf("diskchunk: unknown blob pool codec %d", codec)
	}
}
