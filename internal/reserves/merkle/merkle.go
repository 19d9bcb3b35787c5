// Package merkle builds order-independent-pair Merkle trees over
// (address, balance) leaves and verifies inclusion proofs against a root.
//
// Sibling hashes are sorted lexicographically before concatenation, so a
// verifier never needs to know whether its hash was the left or right child.
// An odd node at any layer is promoted unpaired to the next layer.
package merkle

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// ErrIndexOutOfRange is returned by Proof for an index outside the leaf set.
var ErrIndexOutOfRange = errors.New("merkle: leaf index out of range")

// Tree holds every layer of hashes, leaves first, root last.
type Tree struct {
	layers [][][]byte
}

// HashLeaf canonicalizes one balance leaf and returns its SHA-256 hash.
// The preimage is "address:balance" with the address lowercased and the
// balance in plain integer string form.
func HashLeaf(address, balance string) []byte {
	sum := sha256.Sum256([]byte(strings.ToLower(address) + ":" + balance))
	return sum[:]
}

// hashPair hashes two sibling nodes, smaller hash first.
func hashPair(a, b []byte) []byte {
	if bytes.Compare(b, a) < 0 {
		a, b = b, a
	}
	buf := make([]byte, 0, len(a)+len(b))
	buf = append(buf, a...)
	buf = append(buf, b...)
	sum := sha256.Sum256(buf)
	return sum[:]
}

// Build constructs the tree bottom-up from pre-hashed leaves. An empty leaf
// set yields a tree with an empty root. Leaf slices are referenced, not
// copied; callers must not mutate them afterwards.
func Build(leaves [][]byte) *Tree {
	if len(leaves) == 0 {
		return &Tree{}
	}
	layer := make([][]byte, len(leaves))
	copy(layer, leaves)
	layers := [][][]byte{layer}
	for len(layer) > 1 {
		next := make([][]byte, 0, (len(layer)+1)/2)
		for i := 0; i < len(layer); i += 2 {
			if i+1 < len(layer) {
				next = append(next, hashPair(layer[i], layer[i+1]))
			} else {
				next = append(next, layer[i])
			}
		}
		layers = append(layers, next)
		layer = next
	}
	return &Tree{layers: layers}
}

// Root returns the root hash, or nil for an empty tree.
func (t *Tree) Root() []byte {
	if len(t.layers) == 0 {
		return nil
	}
	top := t.layers[len(t.layers)-1]
	return top[0]
}

// RootHex returns the hex-encoded root, or "" for an empty tree.
func (t *Tree) RootHex() string {
	return hex.EncodeToString(t.Root())
}

// Leaves returns the leaf hash layer.
func (t *Tree) Leaves() [][]byte {
	if len(t.layers) == 0 {
		return nil
	}
	return t.layers[0]
}

// Layers returns every layer, leaves first, root last.
func (t *Tree) Layers() [][][]byte {
	return t.layers
}

// Proof returns the ordered sibling hashes proving inclusion of the leaf at
// index. Layers where the node was promoted unpaired contribute no sibling.
func (t *Tree) Proof(index int) ([][]byte, error) {
	if len(t.layers) == 0 || index < 0 || index >= len(t.layers[0]) {
		return nil, ErrIndexOutOfRange
	}
	var proof [][]byte
	for _, layer := range t.layers[:len(t.layers)-1] {
		sibling := index ^ 1
		if sibling < len(layer) {
			proof = append(proof, layer[sibling])
		}
		index /= 2
	}
	return proof, nil
}

// Verify replays the sorted-pair hash rule over proof and reports whether it
// reproduces root. A nil or empty root never verifies.
func Verify(leafHash []byte, proof [][]byte, root []byte) bool {
	if len(root) == 0 {
		return false
	}
	h := leafHash
	for _, sibling := range proof {
		h = hashPair(h, sibling)
	}
	return bytes.Equal(h, root)
}

// EncodeProof hex-encodes each proof element for transport.
func EncodeProof(proof [][]byte) []string {
	out := make([]string, len(proof))
	for i, p := range proof {
		out[i] = hex.EncodeToString(p)
	}
	return out
}

// DecodeProof reverses EncodeProof.
func DecodeProof(encoded []string) ([][]byte, error) {
	out := make([][]byte, len(encoded))
	for i, s := range encoded {
		b, err := hex.DecodeString(s)
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}
