package sstable

import (
	"math"

	"github.com/cespare/xxhash/v2"
)

const maxBloomProbes = 30

// bloomFilter is a classic bit-array filter probed by double hashing one
// 64-bit xxhash. Encoded as the bit array followed by the probe count.
type bloomFilter struct {
	bits  []byte
	k     uint8
	nbits uint64
}

func bloomHash(key []byte) uint64 {
	return xxhash.Sum64(key)
}

func newBloomFilter(hashes []uint64, bitsPerKey int) *bloomFilter {
	if bitsPerKey <= 0 || len(hashes) == 0 {
		return nil
	}
	nbits := uint64(len(hashes) * bitsPerKey)
	if nbits < 64 {
		nbits = 64
	}
	nbits = (nbits + 7) / 8 * 8

	k := int(math.Round(float64(bitsPerKey) * math.Ln2))
	if k < 1 {
		k = 1
	}
	if k > maxBloomProbes {
		k = maxBloomProbes
	}

	f := &bloomFilter{
		bits:  make([]byte, nbits/8),
		k:     uint8(k),
		nbits: nbits,
	}
	for _, h := range hashes {
		delta := h>>33 | h<<31
		for i := uint8(0); i < f.k; i++ {
			pos := h % f.nbits
			f.bits[pos/8] |= 1 << (pos % 8)
			h += delta
		}
	}
	return f
}

func (f *bloomFilter) encode() []byte {
	if f == nil {
		return nil
	}
	out := make([]byte, len(f.bits)+1)
	copy(out, f.bits)
	out[len(f.bits)] = f.k
	return out
}

// decodeBloomFilter returns nil, meaning "may contain anything", for an
// empty section.
func decodeBloomFilter(buf []byte) *bloomFilter {
	if len(buf) < 2 {
		return nil
	}
	k := buf[len(buf)-1]
	if k == 0 || k > maxBloomProbes {
		return nil
	}
	bits := buf[:len(buf)-1]
	return &bloomFilter{bits: bits, k: k, nbits: uint64(len(bits)) * 8}
}

func (f *bloomFilter) mayContain(key []byte) bool {
	if f == nil {
		return true
	}
	h := bloomHash(key)
	delta := h>>33 | h<<31
	for i := uint8(0); i < f.k; i++ {
		pos := h % f.nbits
		if f.bits[pos/8]&(1<<(pos%8)) == 0 {
			return false
		}
		h += delta
	}
	return true
}
