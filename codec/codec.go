// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package codec frames byte-buffer data read off a Channel into discrete
// messages. Unlike smallnest/goframe, which frames a blocking net.Conn
// stream, these codecs operate directly on the []byte slices Channel's
// edge-triggered, non-blocking read loop hands them.
package codec

// Codec turns accumulated receive bytes into zero or more complete
// frames, returning any leftover bytes that don't yet form a full frame
// so the caller can feed them back in on the next read.
type Codec interface {
	// Decode extracts every complete frame from buf, returning the
	// frames found and the unconsumed remainder.
	Decode(buf []byte) (frames [][]byte, remainder []byte, err error)
	// Encode wraps payload for transmission.
	Encode(payload []byte) ([]byte, error)
}

// Passthrough treats every call to Read's accumulated buffer as a single
// frame: no length-delimiting, the caller owns framing. This is the
// built-in default, mirroring the source's raw ICodec passthrough.
type Passthrough struct{}

func (Passthrough) Decode(buf []byte) ([][]byte, []byte, error) {
	if len(buf) == 0 {
		return nil, nil, nil
	}
	return [][]byte{buf}, nil, nil
}

func (Passthrough) Encode(payload []byte) ([]byte, error) {
	return payload, nil
}

// Verify Passthrough and LengthFieldCodec satisfy Codec at compile time.
var (
	_ Codec = Passthrough{}
	_ Codec = (*LengthFieldCodec)(nil)
)
