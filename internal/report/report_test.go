package report

import (
	"strings"
	"testing"
)

func TestCompressRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
	}{
		{"empty", ""},
		{"short", "root cause: disk full"},
		{"unicode", "анализ ✓ done"},
		{"large repetitive", strings.Repeat("turn 3: observed OOM in pod api-1\n", 5000)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			b, err := Compress(tt.in)
			if err != nil {
				t.Fatalf("Compress: %v", err)
			}
			out, err := Decompress(b)
			if err != nil {
				t.Fatalf("Decompress: %v", err)
			}
			if out != tt.in {
				t.Errorf("round trip mismatch: got %d bytes, want %d", len(out), len(tt.in))
			}
		})
	}
}

func TestCompressShrinksRepetitiveInput(t *testing.T) {
	t.Parallel()

	in := strings.Repeat("observation: connection refused\n", 1000)
	b, err := Compress(in)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if len(b) >= len(in) {
		t.Errorf("compressed %d bytes to %d, expected shrinkage", len(in), len(b))
	}
}

func TestDecompressGarbage(t *testing.T) {
	t.Parallel()

	if _, err := Decompress([]byte("not gzip")); err == nil {
		t.Error("Decompress on garbage should fail")
	}
	if out, err := Decompress(nil); err != nil || out != "" {
		t.Errorf("Decompress(nil) = %q, %v; want empty, nil", out, err)
	}
}
