package zkp

import (
	"encoding/binary"
	"math/big"

	"github.com/ccoin/privutxo/internal/curve"
)

// transcript accumulates the public data a Fiat-Shamir challenge is derived from.
// Every entry is length prefixed together with its label.
type transcript struct {
	hasher HashProvider
	parts  [][]byte
}

func newTranscript(hasher HashProvider, domain string, binding []byte) *transcript {
	t := &transcript{hasher: hasher}
	t.appendBytes("domain", []byte(domain))
	t.appendBytes("binding", binding)
	return t
}

func (t *transcript) appendBytes(label string, data []byte) {
	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(len(label)))
	binary.BigEndian.PutUint32(hdr[4:8], uint32(len(data)))
	t.parts = append(t.parts, hdr[:], []byte(label), data)
}

func (t *transcript) appendPoint(label string, p curve.Point) {
	enc := p.Bytes()
	t.appendBytes(label, enc[:])
}

func (t *transcript) appendScalar(label string, s *big.Int) {
	t.appendBytes(label, s.Bytes())
}

func (t *transcript) appendUint(label string, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	t.appendBytes(label, b[:])
}

// challenge hashes the transcript and reduces the digest mod n
func (t *transcript) challenge() *big.Int {
	digest := t.hasher.Sum(t.parts...)
	return new(big.Int).Mod(new(big.Int).SetBytes(digest[:]), curve.Order())
}
