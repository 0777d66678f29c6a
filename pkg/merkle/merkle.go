// Package merkle validates and constructs the chunk-inclusion Merkle proofs
// used to address and verify individual 256 KiB chunks within a transaction's
// payload. It reimplements Arweave's ar_merkle recursive path-validation
// algorithm; hashing is sha256-simd rather than stdlib crypto/sha256, matching
// the rest of the gateway's hot-path hashing.
package merkle

import (
	"encoding/binary"
	"fmt"

	sha256simd "github.com/minio/sha256-simd"
)

// HashSize is the width of every node digest and note in the proof encoding.
const HashSize = 32

// noteSize is the width of the big-endian offset note embedded in each node.
// Arweave pads/truncates offsets into a fixed 32-byte field; chunk offsets
// never approach 2^64 so only the low 8 bytes are ever non-zero here.
const noteSize = 32

func hash(parts ...[]byte) [HashSize]byte {
	h := sha256simd.New()
	for _, p := range parts {
		h.Write(p)
	}
	var out [HashSize]byte
	copy(out[:], h.Sum(nil))
	return out
}

func hashOf(b []byte) [HashSize]byte {
	return hash(b)
}

func encodeNote(offset uint64) []byte {
	note := make([]byte, noteSize)
	binary.BigEndian.PutUint64(note[noteSize-8:], offset)
	return note
}

func decodeNote(note []byte) uint64 {
	return binary.BigEndian.Uint64(note[len(note)-8:])
}

// Proof is a validated chunk-inclusion result: the chunk's data_root-relative
// byte bounds and the hash of its (unencoded) data.
type Proof struct {
	DataHash   [HashSize]byte
	ChunkStart uint64
	ChunkEnd   uint64
}

// ValidatePath verifies that path is a valid Merkle inclusion proof for
// destOffset against dataRoot, within [leftBound, rightBound), mirroring
// Arweave's ar_merkle:validate_path/4. path is the binary data_path exactly
// as served by a node: a sequence of 96-byte branch nodes (left hash, right
// hash, offset note) terminated by a 64-byte leaf node (data hash, offset
// note).
func ValidatePath(dataRoot [HashSize]byte, destOffset, leftBound, rightBound uint64, path []byte) (Proof, error) {
	if rightBound <= leftBound {
		return Proof{}, fmt.Errorf("merkle: empty bound [%d, %d)", leftBound, rightBound)
	}
	if destOffset >= rightBound {
		destOffset = rightBound - 1
	}
	return validateRec(dataRoot, destOffset, leftBound, rightBound, path)
}

func validateRec(id [HashSize]byte, destOffset, leftBound, rightBound uint64, path []byte) (Proof, error) {
	const branchLen = HashSize*2 + noteSize
	const leafLen = HashSize + noteSize

	switch len(path) {
	case leafLen:
		dataHash := path[:HashSize]
		note := path[HashSize:leafLen]
		expect := hash(hashOf(dataHash)[:], hashOf(note)[:])
		if expect != id {
			return Proof{}, fmt.Errorf("merkle: leaf hash mismatch")
		}
		endOffset := decodeNote(note)
		if destOffset < leftBound || destOffset >= rightBound {
			return Proof{}, fmt.Errorf("merkle: destOffset %d outside bound [%d, %d)", destOffset, leftBound, rightBound)
		}
		var out [HashSize]byte
		copy(out[:], dataHash)
		return Proof{DataHash: out, ChunkStart: leftBound, ChunkEnd: min64(endOffset, rightBound)}, nil

	default:
		if len(path) < branchLen {
			return Proof{}, fmt.Errorf("merkle: path too short (%d bytes)", len(path))
		}
		left := path[:HashSize]
		right := path[HashSize : HashSize*2]
		note := path[HashSize*2 : branchLen]
		rest := path[branchLen:]

		expect := hash(hashOf(left)[:], hashOf(right)[:], hashOf(note)[:])
		if expect != id {
			return Proof{}, fmt.Errorf("merkle: branch hash mismatch")
		}

		noteOffset := decodeNote(note)

		var leftID, rightID [HashSize]byte
		copy(leftID[:], left)
		copy(rightID[:], right)

		if destOffset < noteOffset {
			newRight := noteOffset
			if newRight > rightBound {
				newRight = rightBound
			}
			return validateRec(leftID, destOffset, leftBound, newRight, rest)
		}
		newLeft := noteOffset
		if newLeft < leftBound {
			newLeft = leftBound
		}
		return validateRec(rightID, destOffset, newLeft, rightBound, rest)
	}
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

// leaf is an unmerged (offset, data-hash) pair. Nothing in the package uses
// it; BuildTree builds its own node values.
type leaf struct {
	dataHash [HashSize]byte
	minByte  uint64 // cumulative end-offset of this leaf
}

// BuildTree constructs the Merkle tree over chunkHashes (in order) whose
// cumulative sizes are chunkSizes, returning the data_root and, for each
// leaf index, its encoded data_path. It exists to make ValidatePath
// exercisable in tests without a live node.
func BuildTree(chunkHashes [][HashSize]byte, chunkSizes []uint64) (dataRoot [HashSize]byte, paths [][]byte, err error) {
	if len(chunkHashes) != len(chunkSizes) || len(chunkHashes) == 0 {
		return dataRoot, nil, fmt.Errorf("merkle: chunkHashes and chunkSizes must be equal length and non-empty")
	}

	type node struct {
		id        [HashSize]byte
		minOffset uint64
		maxOffset uint64
		encode    func(destOffset uint64) []byte // encodes the suffix of data_path from this node down
	}

	nodes := make([]node, len(chunkHashes))
	var cum uint64
	for i, h := range chunkHashes {
		start := cum
		cum += chunkSizes[i]
		end := cum
		dh := h
		note := encodeNote(end)
		leafID := hash(hashOf(dh[:])[:], hashOf(note)[:])
		nodes[i] = node{
			id:        leafID,
			minOffset: start,
			maxOffset: end,
			encode: func(_ uint64) []byte {
				out := make([]byte, 0, HashSize+noteSize)
				out = append(out, dh[:]...)
				out = append(out, note...)
				return out
			},
		}
	}

	for len(nodes) > 1 {
		next := make([]node, 0, (len(nodes)+1)/2)
		for i := 0; i < len(nodes); i += 2 {
			if i+1 == len(nodes) {
				next = append(next, nodes[i])
				continue
			}
			l, r := nodes[i], nodes[i+1]
			note := encodeNote(l.maxOffset)
			id := hash(hashOf(l.id[:])[:], hashOf(r.id[:])[:], hashOf(note)[:])
			lEnc, rEnc := l.encode, r.encode
			next = append(next, node{
				id:        id,
				minOffset: l.minOffset,
				maxOffset: r.maxOffset,
				encode: func(destOffset uint64) []byte {
					out := make([]byte, 0, HashSize*2+noteSize)
					out = append(out, l.id[:]...)
					out = append(out, r.id[:]...)
					out = append(out, note...)
					if destOffset < l.maxOffset {
						return append(out, lEnc(destOffset)...)
					}
					return append(out, rEnc(destOffset)...)
				},
			})
		}
		nodes = next
	}

	root := nodes[0]
	paths = make([][]byte, len(chunkHashes))
	cum = 0
	for i := range chunkHashes {
		dest := cum
		paths[i] = root.encode(dest)
		cum += chunkSizes[i]
	}
	return root.id, paths, nil
}
