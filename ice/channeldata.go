// Copyright 2026 The Iceflow Authors, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ice

import (
	"encoding/binary"

	"iceflow/pkg/iceerrors"
)

// TURN channel numbers live in [0x4000, 0x7FFE] (RFC 8656 §12).
const (
	channelNumberMin = 0x4000
	channelNumberMax = 0x7FFE

	channelDataHeaderSize = 4
	channelDataMaxPayload = 0xFFFF - channelDataHeaderSize
)

// isChannelData reports whether a packet starts like a ChannelData
// message: its first two bytes are a channel number in
// [channelNumberMin, channelNumberMax].
func isChannelData(b []byte) bool {
	if len(b) < channelDataHeaderSize {
		return false
	}
	num := binary.BigEndian.Uint16(b[0:2])
	return num >= channelNumberMin && num <= channelNumberMax
}

// encodeChannelData frames payload for the given channel number. pad
// selects stream framing, where the message is padded to a 4-byte
// boundary (RFC 8656 §12.5: padding applies to TCP only).
func encodeChannelData(chnum uint16, payload []byte, pad bool) ([]byte, error) {
	if len(payload) > channelDataMaxPayload {
		return nil, iceerrors.ErrPayloadTooLong
	}

	size := channelDataHeaderSize + len(payload)
	total := size
	if pad {
		total = (size + 3) &^ 3
	}

	out := make([]byte, total)
	binary.BigEndian.PutUint16(out[0:2], chnum)
	binary.BigEndian.PutUint16(out[2:4], uint16(len(payload)))
	copy(out[channelDataHeaderSize:], payload)
	return out, nil
}

// decodeChannelData parses one ChannelData message, returning the channel
// number, the payload, and the total wire size consumed (including stream
// padding when pad is set). The error distinguishes "not channel data"
// from "channel data but truncated", which stream parsing needs to wait
// for more bytes.
func decodeChannelData(b []byte, pad bool) (chnum uint16, payload []byte, consumed int, err error) {
	if len(b) < channelDataHeaderSize {
		return 0, nil, 0, iceerrors.ErrShortBuffer
	}
	chnum = binary.BigEndian.Uint16(b[0:2])
	if chnum < channelNumberMin || chnum > channelNumberMax {
		return 0, nil, 0, iceerrors.ErrNotChannelData
	}

	length := int(binary.BigEndian.Uint16(b[2:4]))
	size := channelDataHeaderSize + length
	total := size
	if pad {
		total = (size + 3) &^ 3
	}
	if len(b) < total {
		return 0, nil, 0, iceerrors.ErrShortBuffer
	}

	return chnum, b[channelDataHeaderSize:size], total, nil
}
