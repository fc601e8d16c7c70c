package part

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/cespare/xxhash/v2"
)

// Checksum hashes the logical content of rows in their stored order. Two
// parts with equal rows have equal checksums regardless of physical layout.
func Checksum(rows []Row) uint64 {
	d := xxhash.New()
	var buf [8]byte
	for _, r := range rows {
		binary.LittleEndian.PutUint64(buf[:], uint64(len(r)))
		_, _ = d.Write(buf[:])
		for _, v := range r {
			writeValue(d, v)
		}
	}
	return d.Sum64()
}

func writeValue(w io.Writer, v Value) {
	var buf [9]byte
	buf[0] = byte(v.Type)
	switch v.Type {
	case TypeFloat64:
		binary.LittleEndian.PutUint64(buf[1:], math.Float64bits(v.F))
		_, _ = w.Write(buf[:])
	case TypeString:
		binary.LittleEndian.PutUint64(buf[1:], uint64(len(v.S)))
		_, _ = w.Write(buf[:])
		_, _ = io.WriteString(w, v.S)
	default:
		binary.LittleEndian.PutUint64(buf[1:], uint64(v.I))
		_, _ = w.Write(buf[:])
	}
}
