package boltstore

import "encoding/binary"

// Bucket name constants for bbolt storage.
var (
	bucketMeta     = []byte("meta")
	bucketAccounts = []byte("accounts") // identity id -> CBOR Account
	bucketNames    = []byte("names")    // lower(name) -> identity id
	bucketWorld    = []byte("world")
)

// Meta and world key constants.
var (
	keyFormat   = []byte("format")
	keyCreated  = []byte("created")
	keySnapshot = []byte("snapshot")
	keyDigest   = []byte("digest")
	keySaved    = []byte("saved")
)

// formatVersion is the on-disk layout version stored under meta/format.
const formatVersion = 1

// intToKey converts an int to an 8-byte big-endian key.
func intToKey(n int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(n))
	return buf
}

// keyToInt converts an 8-byte big-endian key back to an int.
func keyToInt(b []byte) int64 {
	if len(b) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}
