package table

import (
	"fmt"
	"sync"

	"github.com/basekick-labs/deltat/pkg/models"
	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

// Encoder and decoder are shared; EncodeAll/DecodeAll are safe for concurrent use.
var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

func zstdCodec() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEncoder, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if zstdErr != nil {
			zstdErr = fmt.Errorf("create zstd encoder: %w", zstdErr)
			return
		}
		zstdDecoder, zstdErr = zstd.NewReader(nil)
		if zstdErr != nil {
			zstdErr = fmt.Errorf("create zstd decoder: %w", zstdErr)
		}
	})
	return zstdEncoder, zstdDecoder, zstdErr
}

func encodeTemplate(s *models.PointSample) ([]byte, error) {
	b, err := msgpack.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode template: %w", err)
	}
	return b, nil
}

func decodeTemplate(b []byte) (models.PointSample, error) {
	var s models.PointSample
	if err := msgpack.Unmarshal(b, &s); err != nil {
		return s, fmt.Errorf("decode template: %w", err)
	}
	return s, nil
}

// encodeDeltas packs a delta list as zstd-compressed msgpack.
func encodeDeltas(deltas []int64) ([]byte, error) {
	raw, err := msgpack.Marshal(deltas)
	if err != nil {
		return nil, fmt.Errorf("encode deltas: %w", err)
	}
	enc, _, err := zstdCodec()
	if err != nil {
		return nil, err
	}
	return enc.EncodeAll(raw, nil), nil
}

func decodeDeltas(b []byte) ([]int64, error) {
	_, dec, err := zstdCodec()
	if err != nil {
		return nil, err
	}
	raw, err := dec.DecodeAll(b, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress deltas: %w", err)
	}
	var deltas []int64
	if err := msgpack.Unmarshal(raw, &deltas); err != nil {
		return nil, fmt.Errorf("decode deltas: %w", err)
	}
	return deltas, nil
}
