package natmsg

import (
	"encoding/binary"
	"encoding/json"
	"io"
)

// FrameReader reads length-prefixed JSON frames from a stream. The wire
// format is a 4-byte little-endian unsigned length followed by exactly that
// many bytes of UTF-8 JSON (the browser native-messaging format).
type FrameReader struct {
	reader io.Reader
	limits Limits
}

// NewFrameReader creates a FrameReader with default limits.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{
		reader: r,
		limits: DefaultLimits(),
	}
}

// SetLimits updates the reader's limits.
func (fr *FrameReader) SetLimits(limits Limits) {
	fr.limits = limits
}

// ReadRaw reads a single frame payload. The limit is enforced before any
// payload allocation, so a malicious length prefix cannot exhaust memory.
// Exactly one frame is consumed; the stream stays positioned at the next
// frame boundary. io.EOF is returned cleanly at a boundary, a truncated
// frame surfaces as io.ErrUnexpectedEOF.
func (fr *FrameReader) ReadRaw() (json.RawMessage, error) {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(fr.reader, lengthBuf[:]); err != nil {
		return nil, err
	}

	// Compare in uint64 space: a prefix above MaxInt32 must not wrap
	// negative on 32-bit platforms and slip past the limit.
	length := binary.LittleEndian.Uint32(lengthBuf[:])
	if uint64(length) > uint64(fr.limits.MaxFrame) {
		return nil, &FramingError{Size: int(length), Limit: fr.limits.MaxFrame}
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(fr.reader, payload); err != nil {
		if err == io.EOF {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}

// ReadRequest reads and decodes one host-bound envelope.
func (fr *FrameReader) ReadRequest() (*Request, error) {
	raw, err := fr.ReadRaw()
	if err != nil {
		return nil, err
	}
	return DecodeRequest(raw)
}

// ReadResponse reads and decodes one peer-bound envelope.
func (fr *FrameReader) ReadResponse() (*Response, error) {
	raw, err := fr.ReadRaw()
	if err != nil {
		return nil, err
	}
	return DecodeResponse(raw)
}

// FrameWriter writes length-prefixed JSON frames to a stream.
type FrameWriter struct {
	writer io.Writer
	limits Limits
}

// NewFrameWriter creates a FrameWriter with default limits.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{
		writer: w,
		limits: DefaultLimits(),
	}
}

// SetLimits updates the writer's limits.
func (fw *FrameWriter) SetLimits(limits Limits) {
	fw.limits = limits
}

// WriteRequest serializes and writes one host-bound envelope.
func (fw *FrameWriter) WriteRequest(req *Request) error {
	return fw.writeJSON(req)
}

// WriteResponse serializes and writes one peer-bound envelope.
func (fw *FrameWriter) WriteResponse(resp *Response) error {
	return fw.writeJSON(resp)
}

func (fw *FrameWriter) writeJSON(v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return &DecodeError{Err: err}
	}
	return fw.WriteRaw(payload)
}

// WriteRaw writes one pre-serialized frame. Oversized payloads are rejected
// before any bytes hit the wire so a failed write never leaves a partial
// frame behind.
func (fw *FrameWriter) WriteRaw(payload []byte) error {
	if len(payload) > fw.limits.MaxFrame {
		return &FramingError{Size: len(payload), Limit: fw.limits.MaxFrame}
	}

	var lengthBuf [4]byte
	binary.LittleEndian.PutUint32(lengthBuf[:], uint32(len(payload)))
	if _, err := fw.writer.Write(lengthBuf[:]); err != nil {
		return err
	}
	if _, err := fw.writer.Write(payload); err != nil {
		return err
	}
	return nil
}
