package chunk

import (
	sha256simd "github.com/minio/sha256-simd"

	"github.com/ar-io/gateway-core/pkg/merkle"
)

// sha256Of hashes data using the same accelerated implementation the merkle
// package uses, so PeerChunkSource's leaf-hash comparison matches exactly
// what ValidatePath computed internally.
func sha256Of(data []byte) [merkle.HashSize]byte {
	h := sha256simd.Sum256(data)
	return h
}
