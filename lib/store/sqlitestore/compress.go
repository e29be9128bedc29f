// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitestore

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// blobCodec identifies how a stored blob is compressed. Values are
// written to disk; changing them breaks existing databases.
type blobCodec uint8

const (
	codecNone blobCodec = 0
	codecLZ4  blobCodec = 1
	codecZstd blobCodec = 2
)

func (codec blobCodec) String() string {
	switch codec {
	case codecNone:
		return "none"
	case codecLZ4:
		return "lz4"
	case codecZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(codec))
	}
}

var errIncompressible = errors.New("data is incompressible")

// zstd encoders and decoders are safe for concurrent use and costly to
// create, so one of each serves the process.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("sqlitestore: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("sqlitestore: zstd decoder initialization failed: " + err.Error())
	}
}

// compressBlob compresses data with the preferred codec, falling back
// to codecNone when the result would not be smaller.
func compressBlob(data []byte, preferred blobCodec) (blobCodec, []byte, error) {
	var (
		compressed []byte
		err        error
	)
	switch preferred {
	case codecNone:
		return codecNone, data, nil
	case codecLZ4:
		compressed, err = compressLZ4(data)
	case codecZstd:
		compressed, err = compressZstd(data)
	default:
		return 0, nil, fmt.Errorf("unsupported blob codec %s", preferred)
	}
	if errors.Is(err, errIncompressible) {
		return codecNone, data, nil
	}
	if err != nil {
		return 0, nil, err
	}
	return preferred, compressed, nil
}

// decompressBlob reverses compressBlob. size must be the uncompressed
// length recorded next to the blob.
func decompressBlob(codec blobCodec, data []byte, size int) ([]byte, error) {
	switch codec {
	case codecNone:
		if len(data) != size {
			return nil, fmt.Errorf("uncompressed blob: size %d does not match recorded %d", len(data), size)
		}
		return data, nil
	case codecLZ4:
		return decompressLZ4(data, size)
	case codecZstd:
		return decompressZstd(data, size)
	default:
		return nil, fmt.Errorf("unsupported blob codec %s", codec)
	}
}

func compressLZ4(data []byte) ([]byte, error) {
	destination := make([]byte, lz4.CompressBlockBound(len(data)))
	written, err := lz4.CompressBlock(data, destination, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	// CompressBlock returns 0 for incompressible input.
	if written == 0 || written >= len(data) {
		return nil, errIncompressible
	}
	return destination[:written], nil
}

func decompressLZ4(compressed []byte, size int) ([]byte, error) {
	destination := make([]byte, size)
	read, err := lz4.UncompressBlock(compressed, destination)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	if read != size {
		return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, size)
	}
	return destination, nil
}

func compressZstd(data []byte) ([]byte, error) {
	compressed := zstdEncoder.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return nil, errIncompressible
	}
	return compressed, nil
}

func decompressZstd(compressed []byte, size int) ([]byte, error) {
	destination, err := zstdDecoder.DecodeAll(compressed, make([]byte, 0, size))
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	if len(destination) != size {
		return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(destination), size)
	}
	return destination, nil
}
