package process

import (
	"testing"
)

func TestEqualizeStretchesRange(t *testing.T) {
	src := []byte{100, 100, 110, 110, 120, 120, 130, 130}
	dst := make([]byte, len(src))
	if err := (Equalize{}).ApplyLuma(dst, src, Meta{}); err != nil {
		t.Fatalf("ApplyLuma: %v", err)
	}
	want := []byte{0, 0, 85, 85, 170, 170, 255, 255}
	for i := range want {
		if dst[i] != want[i] {
			t.Fatalf("dst = %v, want %v", dst, want)
		}
	}
}

func TestEqualizeFlatImage(t *testing.T) {
	src := []byte{42, 42, 42, 42}
	dst := make([]byte, len(src))
	if err := (Equalize{}).ApplyLuma(dst, src, Meta{}); err != nil {
		t.Fatalf("ApplyLuma: %v", err)
	}
	for i, v := range dst {
		if v != 42 {
			t.Fatalf("dst[%d] = %d, want 42", i, v)
		}
	}
}

func TestEqualizeIsMonotonic(t *testing.T) {
	src := make([]byte, 256*4)
	for i := range src {
		src[i] = byte(50 + (i*7)%100)
	}
	dst := make([]byte, len(src))
	if err := (Equalize{}).ApplyLuma(dst, src, Meta{}); err != nil {
		t.Fatalf("ApplyLuma: %v", err)
	}
	for i := range src {
		for j := range src {
			if src[i] < src[j] && dst[i] > dst[j] {
				t.Fatalf("order broken: src %d<%d but dst %d>%d", src[i], src[j], dst[i], dst[j])
			}
		}
	}
}
