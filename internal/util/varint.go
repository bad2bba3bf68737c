package util

import "encoding/binary"

// Key-value pairs are framed as: klen uvarint, vlen uvarint, key, value.
// The same framing is used in data segments, segment files and embedded
// index entries, so it lives here and not in the engine.

// UVarIntSize returns the encoded size of v as an unsigned varint.
func UVarIntSize(v int) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

// KVSize returns the full framed size of a key-value pair.
func KVSize(keySize, valueSize int) int {
	return UVarIntSize(keySize) + UVarIntSize(valueSize) + keySize + valueSize
}

// PutKV writes a framed key-value pair into buf and returns bytes written.
// buf must have at least KVSize(len(key), len(value)) capacity.
func PutKV(buf, key, value []byte) int {
	off := binary.PutUvarint(buf, uint64(len(key)))
	off += binary.PutUvarint(buf[off:], uint64(len(value)))
	off += copy(buf[off:], key)
	off += copy(buf[off:], value)
	return off
}

// ReadKV parses a framed key-value pair. Returned slices alias buf.
// ok is false if buf does not contain a complete pair.
func ReadKV(buf []byte) (key, value []byte, n int, ok bool) {
	kl, kn := binary.Uvarint(buf)
	if kn <= 0 {
		return nil, nil, 0, false
	}
	vl, vn := binary.Uvarint(buf[kn:])
	if vn <= 0 {
		return nil, nil, 0, false
	}
	total := kn + vn + int(kl) + int(vl)
	if total > len(buf) {
		return nil, nil, 0, false
	}
	key = buf[kn+vn : kn+vn+int(kl)]
	value = buf[kn+vn+int(kl) : total]
	return key, value, total, true
}
