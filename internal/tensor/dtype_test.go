package tensor

import (
	"errors"
	"testing"
)

func TestDecodeRawHalfPrecision(t *testing.T) {
	t.Parallel()
	// Values exactly representable in both f16 and bf16.
	src := []float32{0, 1, -2, 0.5, 1.5, -0.25}
	for _, dt := range []DType{F32, F16, BF16} {
		raw, err := EncodeRaw(dt, src)
		if err != nil {
			t.Fatalf("%s encode: %v", dt, err)
		}
		if len(raw) != len(src)*dt.Size() {
			t.Fatalf("%s: encoded %d bytes, want %d", dt, len(raw), len(src)*dt.Size())
		}
		got, err := DecodeRaw(dt, raw)
		if err != nil {
			t.Fatalf("%s decode: %v", dt, err)
		}
		for i := range src {
			if got[i] != src[i] {
				t.Fatalf("%s: got[%d]=%g want %g", dt, i, got[i], src[i])
			}
		}
	}
}

func TestNewMatFromRaw(t *testing.T) {
	t.Parallel()
	raw, err := EncodeRaw(F16, []float32{1, 2, 3, 4, 5, 6})
	if err != nil {
		t.Fatal(err)
	}
	m, err := NewMatFromRaw(2, 3, F16, raw)
	if err != nil {
		t.Fatalf("NewMatFromRaw: %v", err)
	}
	if got := m.Row(1); got[0] != 4 || got[2] != 6 {
		t.Fatalf("unexpected row: %v", got)
	}
	if _, err := NewMatFromRaw(3, 3, F16, raw); !errors.Is(err, ErrShape) {
		t.Fatalf("expected ErrShape, got %v", err)
	}
	if _, err := DecodeRaw(F16, raw[:3]); !errors.Is(err, ErrShape) {
		t.Fatalf("expected ErrShape for odd length, got %v", err)
	}
	if _, err := DecodeRaw(DType(42), raw); !errors.Is(err, ErrDType) {
		t.Fatalf("expected ErrDType, got %v", err)
	}
}

func TestParseDType(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]DType{"f32": F32, "Float16": F16, " bf16 ": BF16} {
		got, err := ParseDType(in)
		if err != nil || got != want {
			t.Fatalf("ParseDType(%q)=%v,%v want %v", in, got, err, want)
		}
	}
	if _, err := ParseDType("int8"); !errors.Is(err, ErrDType) {
		t.Fatalf("expected ErrDType, got %v", err)
	}
}
