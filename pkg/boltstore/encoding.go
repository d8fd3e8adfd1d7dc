package boltstore

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"github.com/crystal-mush/gochatter/pkg/store"
	"github.com/crystal-mush/gochatter/pkg/world"
)

// ErrCorrupt reports a snapshot whose digest does not match its contents.
var ErrCorrupt = errors.New("boltstore: snapshot digest mismatch")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode

	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	if encMode, err = opts.EncMode(); err != nil {
		panic("boltstore: CBOR encoder: " + err.Error())
	}
	if decMode, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic("boltstore: CBOR decoder: " + err.Error())
	}
	// EncodeAll and DecodeAll are safe for concurrent use.
	if zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault)); err != nil {
		panic("boltstore: zstd encoder: " + err.Error())
	}
	if zstdDecoder, err = zstd.NewReader(nil); err != nil {
		panic("boltstore: zstd decoder: " + err.Error())
	}
}

// encodeAccount serializes an Account to deterministic CBOR.
func encodeAccount(a *store.Account) ([]byte, error) {
	return encMode.Marshal(a)
}

// decodeAccount deserializes bytes back into an Account.
func decodeAccount(data []byte) (*store.Account, error) {
	var a store.Account
	if err := decMode.Unmarshal(data, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// encodeSnapshot returns the compressed snapshot and its BLAKE3 digest.
// The digest covers the compressed bytes as stored.
func encodeSnapshot(s *world.Snapshot) (data, digest []byte, err error) {
	raw, err := encMode.Marshal(s)
	if err != nil {
		return nil, nil, err
	}
	data = zstdEncoder.EncodeAll(raw, make([]byte, 0, len(raw)/2))
	sum := blake3.Sum256(data)
	return data, sum[:], nil
}

// decodeSnapshot verifies and decodes a stored snapshot.
func decodeSnapshot(data, digest []byte) (*world.Snapshot, error) {
	sum := blake3.Sum256(data)
	if !bytes.Equal(sum[:], digest) {
		return nil, ErrCorrupt
	}
	raw, err := zstdDecoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("boltstore: decompress snapshot: %w", err)
	}
	var s world.Snapshot
	if err := decMode.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("boltstore: decode snapshot: %w", err)
	}
	return &s, nil
}
