// Copyright (C) 2026 mailidx authors.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package mcache

// Pack encodes n as a 7-bit continuation varint (high bit set on every
// byte but the last), the encoding spec section 6 calls for internal
// date / time fields in a cache record. It is the same shape as the
// original engine's packed uoff_t, reimplemented here rather than
// imported since nothing in the pack ships a compatible varint coder.
func Pack(n uint32) []byte {
	if n == 0 {
		return []byte{0}
	}
	var tmp [5]byte
	i := len(tmp)
	for n > 0 {
		i--
		tmp[i] = byte(n & 0x7f)
		n >>= 7
	}
	for j := i; j < len(tmp)-1; j++ {
		tmp[j] |= 0x80
	}
	return append([]byte(nil), tmp[i:]...)
}

// Unpack decodes a value written by Pack, returning the value and the
// number of bytes consumed. It returns ok=false if buf doesn't contain
// a complete encoding (every byte read had the continuation bit set).
func Unpack(buf []byte) (n uint32, consumed int, ok bool) {
	for _, b := range buf {
		n = (n << 7) | uint32(b&0x7f)
		consumed++
		if b&0x80 == 0 {
			return n, consumed, true
		}
	}
	return 0, 0, false
}

// packedSize reports how many bytes Pack(n) would produce, matching
// the spec's "ceil(log2(n+1)/7) bytes" rule without actually encoding.
func packedSize(n uint32) int {
	size := 1
	for n >= 0x80 {
		n >>= 7
		size++
	}
	return size
}
