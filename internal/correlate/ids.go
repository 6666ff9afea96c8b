package correlate

import (
	"crypto/rand"
	"encoding/binary"
	"sync/atomic"
)

// idSpace keeps ids exactly representable as JSON numbers.
const idSpace = uint64(1) << 53

// IDSource hands out request ids from a random starting point, advancing
// by one. Ids never repeat until 2^53 - 1 have been issued and are never
// zero.
type IDSource struct {
	start uint64
	n     atomic.Uint64
}

func NewIDSource() *IDSource {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return &IDSource{start: binary.BigEndian.Uint64(b[:]) % idSpace}
}

func (s *IDSource) Next() uint64 {
	for {
		id := (s.start + s.n.Add(1)) % idSpace
		if id != 0 {
			return id
		}
	}
}
