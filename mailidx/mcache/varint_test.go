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

import "testing"

func TestPackUnpackRoundTrip(t *testing.T) {
	vals := []uint32{0, 1, 2, 63, 64, 127, 128, 16383, 16384, 1 << 20, 1<<32 - 1}
	for _, v := range vals {
		buf := Pack(v)
		got, n, ok := Unpack(buf)
		if !ok {
			t.Fatalf("Unpack(%x) (for %d): not ok", buf, v)
		}
		if got != v {
			t.Fatalf("round trip %d -> %x -> %d", v, buf, got)
		}
		if n != len(buf) {
			t.Fatalf("consumed %d, want %d for %d", n, len(buf), v)
		}
		if len(buf) != packedSize(v) {
			t.Fatalf("Pack(%d) len %d != packedSize %d", v, len(buf), packedSize(v))
		}
	}
}

func TestPackSizeMatchesBitLength(t *testing.T) {
	// spec: pack(n) uses ceil(log2(n+1)/7) bytes
	cases := map[uint32]int{
		0:      1,
		1:      1,
		127:    1,
		128:    2,
		16383:  2,
		16384:  3,
		1<<21 - 1: 3,
		1 << 21: 4,
	}
	for n, want := range cases {
		if got := len(Pack(n)); got != want {
			t.Errorf("Pack(%d): got %d bytes, want %d", n, got, want)
		}
	}
}

func TestUnpackIncomplete(t *testing.T) {
	full := Pack(1 << 20)
	if len(full) < 2 {
		t.Fatalf("need a multi-byte encoding")
	}
	_, _, ok := Unpack(full[:len(full)-1])
	if ok {
		t.Fatalf("Unpack of a truncated buffer should fail")
	}
}
