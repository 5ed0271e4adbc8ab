package natmsg

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewFrameWriter(&buf)

	req := NewProcessContent("req-1", "some page text")
	req.Model = "gpt-4o"
	req.Pattern = "summarize"
	if err := w.WriteRequest(req); err != nil {
		t.Fatalf("WriteRequest failed: %v", err)
	}

	r := NewFrameReader(&buf)
	got, err := r.ReadRequest()
	if err != nil {
		t.Fatalf("ReadRequest failed: %v", err)
	}

	if got.Type != TypeProcessContent || got.Id != "req-1" {
		t.Errorf("envelope mismatch: %+v", got)
	}
	if got.Content != "some page text" || got.Model != "gpt-4o" || got.Pattern != "summarize" {
		t.Errorf("field mismatch: %+v", got)
	}
}

func TestFrameSequential(t *testing.T) {
	var buf bytes.Buffer
	w := NewFrameWriter(&buf)

	for _, id := range []string{"a", "b", "c"} {
		if err := w.WriteResponse(NewContent(id, "line\n")); err != nil {
			t.Fatalf("WriteResponse failed: %v", err)
		}
	}

	r := NewFrameReader(&buf)
	for _, id := range []string{"a", "b", "c"} {
		resp, err := r.ReadResponse()
		if err != nil {
			t.Fatalf("ReadResponse failed: %v", err)
		}
		if resp.Id != id {
			t.Errorf("expected id %s, got %s", id, resp.Id)
		}
	}

	if _, err := r.ReadRaw(); err != io.EOF {
		t.Errorf("expected clean EOF at frame boundary, got %v", err)
	}
}

func TestReadRejectsOversizedPrefix(t *testing.T) {
	var buf bytes.Buffer
	var lengthBuf [4]byte
	binary.LittleEndian.PutUint32(lengthBuf[:], uint32(DefaultMaxFrame+1))
	buf.Write(lengthBuf[:])

	r := NewFrameReader(&buf)
	_, err := r.ReadRaw()

	var ferr *FramingError
	if !errors.As(err, &ferr) {
		t.Fatalf("expected FramingError, got %v", err)
	}
	if ferr.Size != DefaultMaxFrame+1 || ferr.Limit != DefaultMaxFrame {
		t.Errorf("unexpected error fields: %+v", ferr)
	}
}

func TestReadRejectsMaxUint32Prefix(t *testing.T) {
	// The largest possible prefix must fail the limit check on every
	// platform, never reach the payload allocation.
	var buf bytes.Buffer
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})

	r := NewFrameReader(&buf)
	_, err := r.ReadRaw()

	var ferr *FramingError
	if !errors.As(err, &ferr) {
		t.Fatalf("expected FramingError, got %v", err)
	}
}

func TestWriteRejectsOversizedPayload(t *testing.T) {
	var buf bytes.Buffer
	w := NewFrameWriter(&buf)
	w.SetLimits(Limits{MaxFrame: 16})

	err := w.WriteRaw(bytes.Repeat([]byte("x"), 17))
	var ferr *FramingError
	if !errors.As(err, &ferr) {
		t.Fatalf("expected FramingError, got %v", err)
	}
	if buf.Len() != 0 {
		t.Errorf("oversized write left %d bytes on the wire", buf.Len())
	}
}

func TestReadTruncatedFrame(t *testing.T) {
	var buf bytes.Buffer
	var lengthBuf [4]byte
	binary.LittleEndian.PutUint32(lengthBuf[:], 100)
	buf.Write(lengthBuf[:])
	buf.WriteString(`{"type":`)

	r := NewFrameReader(&buf)
	if _, err := r.ReadRaw(); err != io.ErrUnexpectedEOF {
		t.Errorf("expected ErrUnexpectedEOF for truncated frame, got %v", err)
	}
}

func TestReadTruncatedPrefix(t *testing.T) {
	r := NewFrameReader(bytes.NewReader([]byte{0x01, 0x02}))
	if _, err := r.ReadRaw(); err != io.ErrUnexpectedEOF {
		t.Errorf("expected ErrUnexpectedEOF for truncated prefix, got %v", err)
	}
}

func TestCustomLimitAllowsLargeFrame(t *testing.T) {
	var buf bytes.Buffer
	w := NewFrameWriter(&buf)
	w.SetLimits(Limits{MaxFrame: 4 * 1024 * 1024})

	big := NewContent("big", string(bytes.Repeat([]byte("y"), 2*1024*1024)))
	if err := w.WriteResponse(big); err != nil {
		t.Fatalf("WriteResponse failed under raised limit: %v", err)
	}

	r := NewFrameReader(&buf)
	r.SetLimits(Limits{MaxFrame: 4 * 1024 * 1024})
	resp, err := r.ReadResponse()
	if err != nil {
		t.Fatalf("ReadResponse failed: %v", err)
	}
	if len(resp.Content) != 2*1024*1024 {
		t.Errorf("content truncated: %d bytes", len(resp.Content))
	}
}
