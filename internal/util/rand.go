package util

import (
	"crypto/rand"
	"encoding/binary"
)

const charset = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

func randStr(n int, cs string) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	for i, b := range buf {
		buf[i] = cs[int(b)%len(cs)]
	}
	return string(buf)
}

// RandString returns a random alphanumeric string of length n.
func RandString(n int) string {
	return randStr(n, charset)
}

// RandStringLC returns a random lower-case alphanumeric string of length n.
func RandStringLC(n int) string {
	return randStr(n, charset[:36])
}

// RandUint32 returns a random number in range [1, 1<<31).
// Initial CSeq and RSeq values must stay below 2**31.
func RandUint32() uint32 {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(err)
	}
	n := binary.BigEndian.Uint32(buf[:]) & 0x7fffffff
	if n == 0 {
		n = 1
	}
	return n
}
