package binary

import (
	"errors"
	"io"
	"testing"
)

func TestReaderReadU32(t *testing.T) {
	tests := []struct {
		encoded []byte
		want    uint32
	}{
		{[]byte{0x00}, 0},
		{[]byte{0x7f}, 127},
		{[]byte{0x80, 0x01}, 128},
		{[]byte{0xe5, 0x8e, 0x26}, 624485},
		{[]byte{0xff, 0xff, 0xff, 0xff, 0x0f}, 0xFFFFFFFF},
	}

	for _, tt := range tests {
		r := NewReader(tt.encoded)
		got, err := r.ReadU32()
		if err != nil {
			t.Errorf("ReadU32(%v): %v", tt.encoded, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ReadU32(%v): got %d, want %d", tt.encoded, got, tt.want)
		}
		if r.Len() != 0 {
			t.Errorf("ReadU32(%v): %d bytes left", tt.encoded, r.Len())
		}
	}
}

func TestReaderReadU32Overflow(t *testing.T) {
	r := NewReader([]byte{0x80, 0x80, 0x80, 0x80, 0x80, 0x01})
	if _, err := r.ReadU32(); !errors.Is(err, ErrOverflow) {
		t.Errorf("expected ErrOverflow, got %v", err)
	}
}

func TestReaderReadSigned(t *testing.T) {
	tests := []struct {
		encoded []byte
		want    int64
	}{
		{[]byte{0x00}, 0},
		{[]byte{0x7f}, -1},
		{[]byte{0x40}, -64},
		{[]byte{0xc0, 0x00}, 64},
		{[]byte{0xbf, 0x7f}, -65},
	}

	for _, tt := range tests {
		r := NewReader(tt.encoded)
		got, err := r.ReadS33()
		if err != nil {
			t.Errorf("ReadS33(%v): %v", tt.encoded, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ReadS33(%v): got %d, want %d", tt.encoded, got, tt.want)
		}
	}
}

func TestWriterRoundTrip(t *testing.T) {
	w := NewWriter()
	w.WriteU32(624485)
	w.WriteS64(-65)
	w.WriteName("loop")
	w.WriteU32LE(0x6d736100)
	w.WriteVec([]byte{1, 2, 3})

	r := NewReader(w.Bytes())
	if v, _ := r.ReadU32(); v != 624485 {
		t.Errorf("ReadU32 = %d", v)
	}
	if v, _ := r.ReadS64(); v != -65 {
		t.Errorf("ReadS64 = %d", v)
	}
	if s, _ := r.ReadName(); s != "loop" {
		t.Errorf("ReadName = %q", s)
	}
	if v, _ := r.ReadU32LE(); v != 0x6d736100 {
		t.Errorf("ReadU32LE = %#x", v)
	}
	n, _ := r.ReadU32()
	payload, err := r.ReadBytes(int(n))
	if err != nil || len(payload) != 3 || payload[2] != 3 {
		t.Errorf("ReadBytes = %v, %v", payload, err)
	}
	if _, err := r.ReadByte(); !errors.Is(err, io.EOF) {
		t.Errorf("expected EOF, got %v", err)
	}
}

func TestReaderReadBytesPastEnd(t *testing.T) {
	r := NewReader([]byte{1, 2})
	if _, err := r.ReadBytes(3); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("expected ErrUnexpectedEOF, got %v", err)
	}
	if r.Position() != 0 {
		t.Errorf("position moved on failed read: %d", r.Position())
	}
}

func TestReaderReadNameInvalidUTF8(t *testing.T) {
	r := NewReader([]byte{0x02, 0xff, 0xfe})
	if _, err := r.ReadName(); err == nil {
		t.Error("expected error for invalid UTF-8")
	}
}
