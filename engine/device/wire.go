package device

import (
	"encoding/binary"
	"math"
)

// Encoder writes little-endian fields into a fixed-size parameter block.
type Encoder struct {
	buf []byte
	off int
}

// NewEncoder returns an encoder over a zeroed block of size bytes.
func NewEncoder(size int) *Encoder {
	return &Encoder{buf: make([]byte, size)}
}

func (e *Encoder) U32(v uint32) *Encoder {
	binary.LittleEndian.PutUint32(e.buf[e.off:], v)
	e.off += 4
	return e
}

func (e *Encoder) I32(v int32) *Encoder { return e.U32(uint32(v)) }

func (e *Encoder) F32(v float32) *Encoder { return e.U32(math.Float32bits(v)) }

func (e *Encoder) U64(v uint64) *Encoder {
	binary.LittleEndian.PutUint64(e.buf[e.off:], v)
	e.off += 8
	return e
}

func (e *Encoder) Addr(a Address) *Encoder { return e.U64(uint64(a)) }

// F32s writes each value in order.
func (e *Encoder) F32s(v ...float32) *Encoder {
	for _, f := range v {
		e.F32(f)
	}
	return e
}

// Pad skips n bytes.
func (e *Encoder) Pad(n int) *Encoder {
	e.off += n
	return e
}

// Bytes returns the encoded block.
func (e *Encoder) Bytes() []byte { return e.buf }

// Decoder reads little-endian fields from a parameter block. Reads past the end yield zero.
type Decoder struct {
	buf []byte
	off int
}

// NewDecoder returns a decoder over b.
func NewDecoder(b []byte) *Decoder {
	return &Decoder{buf: b}
}

func (d *Decoder) U32() uint32 {
	if d.off+4 > len(d.buf) {
		d.off += 4
		return 0
	}
	v := binary.LittleEndian.Uint32(d.buf[d.off:])
	d.off += 4
	return v
}

func (d *Decoder) I32() int32 { return int32(d.U32()) }

func (d *Decoder) F32() float32 { return math.Float32frombits(d.U32()) }

func (d *Decoder) U64() uint64 {
	if d.off+8 > len(d.buf) {
		d.off += 8
		return 0
	}
	v := binary.LittleEndian.Uint64(d.buf[d.off:])
	d.off += 8
	return v
}

func (d *Decoder) Addr() Address { return Address(d.U64()) }

// Skip advances n bytes.
func (d *Decoder) Skip(n int) *Decoder {
	d.off += n
	return d
}
