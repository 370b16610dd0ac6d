// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package codec

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// LengthFieldHeaderSize is the width, in bytes, of the big-endian length
// prefix this codec reads and writes. It matches the
// LengthFieldLength the echo client configures on its
// smallnest/goframe FrameConn, so frames produced by one side decode
// cleanly on the other.
const LengthFieldHeaderSize = 4

// MaxFrameLength rejects a length field large enough to indicate a
// corrupt stream or a malicious peer before ever allocating a buffer for
// it.
const MaxFrameLength = 16 << 20 // 16 MiB

// LengthFieldCodec frames payloads with a 4-byte big-endian length
// prefix that does not include its own width, the same convention
// smallnest/goframe's EncoderConfig/DecoderConfig default to with
// LengthIncludesLengthFieldLength left false and InitialBytesToStrip set
// to LengthFieldHeaderSize.
type LengthFieldCodec struct{}

// Decode extracts every complete length-prefixed frame from buf.
func (LengthFieldCodec) Decode(buf []byte) ([][]byte, []byte, error) {
	var frames [][]byte
	for {
		if len(buf) < LengthFieldHeaderSize {
			return frames, buf, nil
		}
		n := binary.BigEndian.Uint32(buf[:LengthFieldHeaderSize])
		if n > MaxFrameLength {
			return frames, nil, errors.Errorf("codec: frame length %d exceeds maximum %d", n, MaxFrameLength)
		}
		total := LengthFieldHeaderSize + int(n)
		if len(buf) < total {
			return frames, buf, nil
		}
		frame := make([]byte, n)
		copy(frame, buf[LengthFieldHeaderSize:total])
		frames = append(frames, frame)
		buf = buf[total:]
	}
}

// Encode prepends a 4-byte big-endian length prefix to payload.
func (LengthFieldCodec) Encode(payload []byte) ([]byte, error) {
	if len(payload) > MaxFrameLength {
		return nil, errors.Errorf("codec: payload length %d exceeds maximum %d", len(payload), MaxFrameLength)
	}
	out := make([]byte, LengthFieldHeaderSize+len(payload))
	binary.BigEndian.PutUint32(out[:LengthFieldHeaderSize], uint32(len(payload)))
	copy(out[LengthFieldHeaderSize:], payload)
	return out, nil
}
