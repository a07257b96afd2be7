// padding.go - Message padding.
// Copyright (C) 2026  The Onionswarm Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package sending

import "errors"

const (
	// PaddingBlockSize is the granularity of padded message lengths.
	PaddingBlockSize = 160

	paddingTerminator = 0x80
)

// ErrBadPadding is returned by Unpad for data without a terminator.
var ErrBadPadding = errors.New("sending: bad message padding")

// Pad appends 0x80 and then zeros up to the next multiple of
// PaddingBlockSize.
func Pad(b []byte) []byte {
	n := (len(b) + 1 + PaddingBlockSize - 1) / PaddingBlockSize * PaddingBlockSize
	out := make([]byte, n)
	copy(out, b)
	out[len(b)] = paddingTerminator
	return out
}

// Unpad strips the padding added by Pad.
func Unpad(b []byte) ([]byte, error) {
	for i := len(b) - 1; i >= 0; i-- {
		switch b[i] {
		case 0:
		case paddingTerminator:
			return b[:i], nil
		default:
			return nil, ErrBadPadding
		}
	}
	return nil, ErrBadPadding
}
