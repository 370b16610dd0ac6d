// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Command echo-client is a plain blocking net.Conn client, framing its
// writes and reads with smallnest/goframe using the same 4-byte
// big-endian length-prefix convention codec.LengthFieldCodec uses on the
// server side, so the two interoperate on the wire despite the server
// operating on raw, non-blocking fds and the client on a blocking
// net.Conn stream.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"net"
	"os"

	"github.com/smallnest/goframe"

	"github.com/andypan-reactor/evreactor/codec"
)

func main() {
	host := flag.String("host", "127.0.0.1", "server address")
	port := flag.Uint("port", 9000, "server port")
	message := flag.String("message", "hello from echo-client", "message to send")
	flag.Parse()

	conn, err := net.Dial("tcp", fmt.Sprintf("%s:%d", *host, *port))
	if err != nil {
		fmt.Fprintf(os.Stderr, "dial: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	encoderConfig := goframe.EncoderConfig{
		ByteOrder:                       binary.BigEndian,
		LengthFieldLength:               codec.LengthFieldHeaderSize,
		LengthAdjustment:                0,
		LengthIncludesLengthFieldLength: false,
	}
	decoderConfig := goframe.DecoderConfig{
		ByteOrder:           binary.BigEndian,
		LengthFieldOffset:   0,
		LengthFieldLength:   codec.LengthFieldHeaderSize,
		LengthAdjustment:    0,
		InitialBytesToStrip: codec.LengthFieldHeaderSize,
	}
	frameConn := goframe.NewLengthFieldBasedFrameConn(encoderConfig, decoderConfig, conn)

	if err := frameConn.WriteFrame([]byte(*message)); err != nil {
		fmt.Fprintf(os.Stderr, "write frame: %v\n", err)
		os.Exit(1)
	}

	reply, err := frameConn.ReadFrame()
	if err != nil {
		fmt.Fprintf(os.Stderr, "read frame: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("echo: %s\n", string(reply))
}
