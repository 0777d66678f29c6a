package merkle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testChunks(t *testing.T, sizes []uint64) ([][HashSize]byte, []uint64) {
	t.Helper()
	hashes := make([][HashSize]byte, len(sizes))
	for i := range sizes {
		hashes[i] = hash([]byte{byte(i), byte(i + 1), byte(i + 2)})
	}
	return hashes, sizes
}

func TestBuildAndValidateRoundTrip(t *testing.T) {
	sizes := []uint64{262144, 262144, 131072}
	hashes, sizes := testChunks(t, sizes)

	root, paths, err := BuildTree(hashes, sizes)
	require.NoError(t, err)
	require.Len(t, paths, len(sizes))

	var cum uint64
	total := sizes[0] + sizes[1] + sizes[2]
	for i, size := range sizes {
		proof, err := ValidatePath(root, cum, 0, total, paths[i])
		require.NoError(t, err, "chunk %d", i)
		assert.Equal(t, hashes[i], proof.DataHash)
		assert.Equal(t, cum, proof.ChunkStart)
		assert.Equal(t, cum+size, proof.ChunkEnd)
		cum += size
	}
}

func TestValidatePathRejectsMutatedByte(t *testing.T) {
	sizes := []uint64{262144, 131072}
	hashes, sizes := testChunks(t, sizes)
	root, paths, err := BuildTree(hashes, sizes)
	require.NoError(t, err)

	mutated := make([]byte, len(paths[0]))
	copy(mutated, paths[0])
	mutated[0] ^= 0xFF

	total := sizes[0] + sizes[1]
	_, err = ValidatePath(root, 0, 0, total, mutated)
	assert.Error(t, err)
}

func TestValidatePathRejectsWrongRoot(t *testing.T) {
	sizes := []uint64{262144, 131072}
	hashes, sizes := testChunks(t, sizes)
	_, paths, err := BuildTree(hashes, sizes)
	require.NoError(t, err)

	var wrongRoot [HashSize]byte
	wrongRoot[0] = 1
	total := sizes[0] + sizes[1]
	_, err = ValidatePath(wrongRoot, 0, 0, total, paths[0])
	assert.Error(t, err)
}

func TestValidatePathSingleChunk(t *testing.T) {
	sizes := []uint64{1000}
	hashes, sizes := testChunks(t, sizes)
	root, paths, err := BuildTree(hashes, sizes)
	require.NoError(t, err)

	proof, err := ValidatePath(root, 500, 0, 1000, paths[0])
	require.NoError(t, err)
	assert.Equal(t, uint64(0), proof.ChunkStart)
	assert.Equal(t, uint64(1000), proof.ChunkEnd)
}
