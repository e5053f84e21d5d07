package tcp

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"tarun-kavipurapu/p2p-edge/pkg/protocol"
)

// Delimiter terminates every control frame. Compact JSON escapes newlines
// inside strings, so it never appears inside an encoded message.
const Delimiter = '\n'

// MaxFrameSize bounds a single control frame. A heartbeat for a few thousand
// files with digests stays well below it.
const MaxFrameSize = 16 << 20

var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// writeFrame encodes msg and writes it followed by the delimiter in one call.
func writeFrame(w io.Writer, msg protocol.Message) error {
	payload, err := protocol.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Kind(), err)
	}
	payload = append(payload, Delimiter)

	_, err = w.Write(payload)
	return err
}

// readFrame accumulates bytes until the delimiter and decodes them.
// End of stream before the delimiter is reported as io.EOF, whether or not
// part of a frame had already arrived.
func readFrame(r *bufio.Reader) (protocol.Message, error) {
	var frame []byte
	for {
		chunk, err := r.ReadSlice(Delimiter)
		frame = append(frame, chunk...)
		if len(frame) > MaxFrameSize {
			return nil, ErrFrameTooLarge
		}
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, err
	}

	return protocol.Decode(frame[:len(frame)-1])
}
