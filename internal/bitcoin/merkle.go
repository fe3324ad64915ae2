package bitcoin

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/minio/sha256-simd"
)

// doubleSHA256 is Bitcoin's hash function. sha256-simd picks SHA-NI or AVX
// paths when the CPU has them.
func doubleSHA256(b []byte) chainhash.Hash {
	first := sha256.Sum256(b)
	return chainhash.Hash(sha256.Sum256(first[:]))
}

func hashPair(left, right chainhash.Hash) chainhash.Hash {
	var buf [64]byte
	copy(buf[:32], left[:])
	copy(buf[32:], right[:])
	return doubleSHA256(buf[:])
}

// coinbaseBranch returns the merkle path of the coinbase given the hashes of
// every other transaction in block order. Odd levels duplicate their last
// hash.
func coinbaseBranch(txHashes []chainhash.Hash) []chainhash.Hash {
	if len(txHashes) == 0 {
		return nil
	}

	// Slot 0 stands in for the coinbase; its value never reaches the branch.
	level := make([]chainhash.Hash, 0, len(txHashes)+1)
	level = append(level, chainhash.Hash{})
	level = append(level, txHashes...)

	var branch []chainhash.Hash
	for len(level) > 1 {
		branch = append(branch, level[1])

		next := make([]chainhash.Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			right := level[i]
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, hashPair(level[i], right))
		}
		level = next
	}
	return branch
}

// merkleRootFromBranch folds the coinbase hash up the branch.
func merkleRootFromBranch(coinbase chainhash.Hash, branch []chainhash.Hash) chainhash.Hash {
	root := coinbase
	for _, h := range branch {
		root = hashPair(root, h)
	}
	return root
}

// merkleRoot computes the root of a full transaction list.
func merkleRoot(txHashes []chainhash.Hash) chainhash.Hash {
	if len(txHashes) == 0 {
		return chainhash.Hash{}
	}
	level := append([]chainhash.Hash(nil), txHashes...)
	for len(level) > 1 {
		next := make([]chainhash.Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			right := level[i]
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, hashPair(level[i], right))
		}
		level = next
	}
	return level[0]
}
