package part

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec selects the compression of a part archive body.
type Codec byte

const (
	CodecNone Codec = iota
	CodecSnappy
	CodecLZ4
	CodecZstd
)

const (
	archiveMagic   = "TTLP"
	archiveVersion = 1
	headerSize     = len(archiveMagic) + 2
)

// ErrCorruptArchive is returned when a part archive cannot be decoded.
var ErrCorruptArchive = errors.New("part: corrupt archive")

// ParseCodec parses a codec name from configuration.
func ParseCodec(s string) (Codec, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return CodecNone, nil
	case "snappy":
		return CodecSnappy, nil
	case "lz4":
		return CodecLZ4, nil
	case "zstd":
		return CodecZstd, nil
	default:
		return 0, fmt.Errorf("part: unknown codec %q", s)
	}
}

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecSnappy:
		return "snappy"
	case CodecLZ4:
		return "lz4"
	case CodecZstd:
		return "zstd"
	default:
		return fmt.Sprintf("codec(%d)", byte(c))
	}
}

// EncodeArchive writes rows as a compressed part archive.
func EncodeArchive(rows []Row, codec Codec) ([]byte, error) {
	body, err := WriteParquet(rows)
	if err != nil {
		return nil, err
	}
	compressed, err := compress(body, codec)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, headerSize+len(compressed))
	out = append(out, archiveMagic...)
	out = append(out, archiveVersion, byte(codec))
	return append(out, compressed...), nil
}

// DecodeArchive reads the rows of a part archive.
func DecodeArchive(data []byte) ([]Row, error) {
	if len(data) < headerSize || string(data[:len(archiveMagic)]) != archiveMagic {
		return nil, fmt.Errorf("%w: bad header", ErrCorruptArchive)
	}
	if v := data[len(archiveMagic)]; v != archiveVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorruptArchive, v)
	}
	body, err := decompress(data[headerSize:], Codec(data[len(archiveMagic)+1]))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptArchive, err)
	}
	return ReadParquet(body)
}

func compress(data []byte, codec Codec) ([]byte, error) {
	switch codec {
	case CodecNone:
		return data, nil

	case CodecSnappy:
		return snappy.Encode(nil, data), nil

	case CodecLZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("lz4 writer: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("lz4 writer: %w", err)
		}
		return buf.Bytes(), nil

	case CodecZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("zstd writer: %w", err)
		}
		defer enc.Close()
		return enc.EncodeAll(data, nil), nil

	default:
		return nil, fmt.Errorf("unsupported codec: %d", codec)
	}
}

func decompress(data []byte, codec Codec) ([]byte, error) {
	switch codec {
	case CodecNone:
		return data, nil

	case CodecSnappy:
		return snappy.Decode(nil, data)

	case CodecLZ4:
		return io.ReadAll(lz4.NewReader(bytes.NewReader(data)))

	case CodecZstd:
		decoder, err := zstd.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("zstd reader: %w", err)
		}
		defer decoder.Close()
		return io.ReadAll(decoder)

	default:
		return nil, fmt.Errorf("unsupported codec: %d", codec)
	}
}
