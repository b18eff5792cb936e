package process

import (
	"os/exec"
	"testing"
)

func TestPipeRoundTrip(t *testing.T) {
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat not available")
	}
	p, err := NewPipe([]string{"cat"})
	if err != nil {
		t.Fatalf("NewPipe: %v", err)
	}
	defer p.Close()

	for n := 0; n < 3; n++ {
		src := []byte{byte(n), 1, 2, 3, 4, 5}
		dst := make([]byte, len(src))
		if err := p.ApplyLuma(dst, src, Meta{}); err != nil {
			t.Fatalf("ApplyLuma: %v", err)
		}
		for i := range src {
			if dst[i] != src[i] {
				t.Fatalf("frame %d: dst = %v, want %v", n, dst, src)
			}
		}
	}
	if p.MaxConcurrency() != 1 {
		t.Fatal("pipe accelerator must be exclusive")
	}
}

func TestPipeFailsAfterClose(t *testing.T) {
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat not available")
	}
	p, err := NewPipe([]string{"cat"})
	if err != nil {
		t.Fatalf("NewPipe: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := p.ApplyLuma(make([]byte, 2), make([]byte, 2), Meta{}); err == nil {
		t.Fatal("ApplyLuma after Close succeeded")
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestNewPipeRejectsEmptyCommand(t *testing.T) {
	if _, err := NewPipe(nil); err == nil {
		t.Fatal("NewPipe(nil) succeeded")
	}
}
