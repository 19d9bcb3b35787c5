package merkle

import (
	"crypto/sha256"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func leavesFor(n int) [][]byte {
	leaves := make([][]byte, n)
	for i := 0; i < n; i++ {
		leaves[i] = HashLeaf(fmt.Sprintf("0xAddr%02d", i), fmt.Sprintf("%d", 1000+i))
	}
	return leaves
}

func TestBuildEmpty(t *testing.T) {
	tree := Build(nil)
	assert.Nil(t, tree.Root())
	assert.Equal(t, "", tree.RootHex())
	assert.False(t, Verify(HashLeaf("0xabc", "1"), nil, tree.Root()))
}

func TestBuildSingleLeaf(t *testing.T) {
	leaf := HashLeaf("0xabc", "42")
	tree := Build([][]byte{leaf})

	assert.Equal(t, leaf, tree.Root())

	proof, err := tree.Proof(0)
	require.NoError(t, err)
	assert.Empty(t, proof)
	assert.True(t, Verify(leaf, proof, tree.Root()))
}

func TestEveryLeafVerifiesEven(t *testing.T) {
	leaves := leavesFor(4)
	tree := Build(leaves)
	require.NotNil(t, tree.Root())

	for i, leaf := range leaves {
		proof, err := tree.Proof(i)
		require.NoError(t, err)
		assert.True(t, Verify(leaf, proof, tree.Root()), "leaf %d", i)
	}
}

func TestEveryLeafVerifiesOdd(t *testing.T) {
	leaves := leavesFor(5)
	tree := Build(leaves)
	require.NotNil(t, tree.Root())

	for i, leaf := range leaves {
		proof, err := tree.Proof(i)
		require.NoError(t, err)
		assert.True(t, Verify(leaf, proof, tree.Root()), "leaf %d", i)
	}

	// the promoted fifth leaf pairs only at the top
	proof, err := tree.Proof(4)
	require.NoError(t, err)
	assert.Len(t, proof, 1)
}

func TestDeterministicRoot(t *testing.T) {
	a := Build(leavesFor(4))
	b := Build(leavesFor(4))
	assert.Equal(t, a.RootHex(), b.RootHex())

	c := Build(leavesFor(5))
	d := Build(leavesFor(5))
	assert.Equal(t, c.RootHex(), d.RootHex())
}

func TestReorderingChangesRoot(t *testing.T) {
	leaves := leavesFor(4)
	original := Build(leaves).RootHex()

	// adjacent siblings may swap without effect (pairs are sorted before
	// hashing), but moving a leaf across pair boundaries changes the root
	interleaved := [][]byte{leaves[0], leaves[2], leaves[1], leaves[3]}
	assert.NotEqual(t, original, Build(interleaved).RootHex())

	swappedPair := [][]byte{leaves[1], leaves[0], leaves[2], leaves[3]}
	assert.Equal(t, original, Build(swappedPair).RootHex())
}

func TestVerifyRejectsTampering(t *testing.T) {
	leaves := leavesFor(4)
	tree := Build(leaves)
	proof, err := tree.Proof(1)
	require.NoError(t, err)

	assert.False(t, Verify(HashLeaf("0xattacker", "9999"), proof, tree.Root()))

	bad := sha256.Sum256([]byte("tampered"))
	tampered := [][]byte{proof[0], bad[:]}
	assert.False(t, Verify(leaves[1], tampered, tree.Root()))

	otherRoot := sha256.Sum256([]byte("other"))
	assert.False(t, Verify(leaves[1], proof, otherRoot[:]))
}

func TestProofIndexOutOfRange(t *testing.T) {
	tree := Build(leavesFor(3))

	_, err := tree.Proof(-1)
	assert.ErrorIs(t, err, ErrIndexOutOfRange)

	_, err = tree.Proof(3)
	assert.ErrorIs(t, err, ErrIndexOutOfRange)

	_, err = Build(nil).Proof(0)
	assert.ErrorIs(t, err, ErrIndexOutOfRange)
}

func TestHashLeafCanonicalizesCase(t *testing.T) {
	assert.Equal(t, HashLeaf("0xAbCdEf", "100"), HashLeaf("0xabcdef", "100"))
	assert.NotEqual(t, HashLeaf("0xabcdef", "100"), HashLeaf("0xabcdef", "101"))
}

func TestProofRoundTripEncoding(t *testing.T) {
	tree := Build(leavesFor(5))
	proof, err := tree.Proof(2)
	require.NoError(t, err)

	decoded, err := DecodeProof(EncodeProof(proof))
	require.NoError(t, err)
	assert.Equal(t, proof, decoded)

	_, err = DecodeProof([]string{"not-hex"})
	assert.Error(t, err)
}
