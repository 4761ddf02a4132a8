package crypto

import "golang.org/x/crypto/sha3"

// KMAC256 implements the NIST SP 800-185 KMAC256 construction on top of
// cSHAKE256. x/crypto ships cSHAKE but not KMAC, so the bytepad framing
// is done here. custom is the customization string S; data segments are
// absorbed in order, which lets callers MAC a body followed by a
// serialized packet header without concatenating buffers.
func KMAC256(key, custom []byte, tagLen int, data ...[]byte) []byte {
	// rate of cSHAKE256 in bytes, the bytepad width w
	const rate = 136

	x := sha3.NewCShake256([]byte("KMAC"), custom)

	// bytepad(encode_string(key), rate)
	wenc := leftEncode(rate)
	kenc := leftEncode(uint64(len(key)) * 8)
	x.Write(wenc)
	x.Write(kenc)
	x.Write(key)
	if rem := (len(wenc) + len(kenc) + len(key)) % rate; rem != 0 {
		var zeros [rate]byte
		x.Write(zeros[:rate-rem])
	}

	for _, d := range data {
		x.Write(d)
	}

	// right_encode(L) where L is the requested output length in bits
	x.Write(rightEncode(uint64(tagLen) * 8))

	tag := make([]byte, tagLen)
	x.Read(tag)
	return tag
}

// leftEncode encodes v per SP 800-185 2.3.1: the byte count followed by
// the big-endian bytes of v.
func leftEncode(v uint64) []byte {
	var buf [9]byte
	n := 1
	for x := v; x >= 256; x >>= 8 {
		n++
	}
	buf[0] = byte(n)
	for i := n; i > 0; i-- {
		buf[i] = byte(v)
		v >>= 8
	}
	return buf[:n+1]
}

// rightEncode is leftEncode with the byte count trailing.
func rightEncode(v uint64) []byte {
	var buf [9]byte
	n := 1
	for x := v; x >= 256; x >>= 8 {
		n++
	}
	for i := n - 1; i >= 0; i-- {
		buf[i] = byte(v)
		v >>= 8
	}
	buf[n] = byte(n)
	return buf[:n+1]
}
