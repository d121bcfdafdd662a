package packmsg

import "testing"

func TestRoundTrip(t *testing.T) {
	w := NewWriter()
	w.WriteUint32(0xdeadbeef)
	w.WriteString("foo")
	w.WriteBool(true)
	w.WriteInt64(-12345)
	w.WriteBytes([]byte{1, 2, 3, 4})
	w.WriteArrayLen(2)
	w.WriteUint16(7)
	w.WriteUint16(8)
	w.WriteExt(4, []byte{10, 20, 30})
	if err := w.Err(); err != nil {
		t.Fatalf("write: %v", err)
	}

	r := NewReader(w.Bytes())
	if got := r.ReadUint32(); got != 0xdeadbeef {
		t.Fatalf("uint32 = %x", got)
	}
	if got := r.ReadString(); got != "foo" {
		t.Fatalf("string = %q", got)
	}
	if got := r.ReadBool(); got != true {
		t.Fatalf("bool = %v", got)
	}
	if got := r.ReadInt64(); got != -12345 {
		t.Fatalf("int64 = %d", got)
	}
	if got := r.ReadBytes(); string(got) != "\x01\x02\x03\x04" {
		t.Fatalf("bytes = %v", got)
	}
	n := r.ReadArrayLen()
	if n != 2 {
		t.Fatalf("array len = %d", n)
	}
	if got := r.ReadUint16(); got != 7 {
		t.Fatalf("elem0 = %d", got)
	}
	if got := r.ReadUint16(); got != 8 {
		t.Fatalf("elem1 = %d", got)
	}
	extType, data := r.ReadExt()
	if extType != 4 || string(data) != "\x0a\x14\x1e" {
		t.Fatalf("ext = %d %v", extType, data)
	}
	if err := r.Err(); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !r.Done() {
		t.Fatal("expected reader to be exhausted")
	}
}

func TestStickyErrorOnTypeMismatch(t *testing.T) {
	w := NewWriter()
	w.WriteUint32(1)
	r := NewReader(w.Bytes())
	_ = r.ReadString() // wrong type
	if r.Err() == nil {
		t.Fatal("expected type mismatch error")
	}
	// Further reads must not panic and must keep returning the same error.
	_ = r.ReadUint32()
	if r.Err() != ErrTypeMismatch {
		t.Fatalf("expected sticky ErrTypeMismatch, got %v", r.Err())
	}
}

func TestTruncatedInput(t *testing.T) {
	w := NewWriter()
	w.WriteUint64(1)
	buf := w.Bytes()[:3]
	r := NewReader(buf)
	_ = r.ReadUint64()
	if r.Err() != ErrTruncated {
		t.Fatalf("expected ErrTruncated, got %v", r.Err())
	}
}

func TestEncodeDecodeIdempotent(t *testing.T) {
	w := NewWriter()
	w.WriteString("round-trip-me")
	b1 := append([]byte(nil), w.Bytes()...)

	r := NewReader(b1)
	s := r.ReadString()

	w2 := NewWriter()
	w2.WriteString(s)
	b2 := w2.Bytes()

	if string(b1) != string(b2) {
		t.Fatalf("re-encoding did not reproduce the original bytes")
	}
}
