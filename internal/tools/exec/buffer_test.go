package exec

import (
	"sync"
	"testing"
)

func TestLimitedBuffer(t *testing.T) {
	tests := []struct {
		name      string
		max       int
		writes    []string
		want      string
		truncated bool
	}{
		{name: "under limit", max: 10, writes: []string{"abc", "def"}, want: "abcdef"},
		{name: "exact limit", max: 6, writes: []string{"abc", "def"}, want: "abcdef"},
		{name: "split write", max: 4, writes: []string{"abc", "def"}, want: "abcd" + TruncationMarker, truncated: true},
		{name: "write after full", max: 3, writes: []string{"abc", "d"}, want: "abc" + TruncationMarker, truncated: true},
		{name: "empty write when full", max: 3, writes: []string{"abc", ""}, want: "abc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewLimitedBuffer(tt.max)
			for _, w := range tt.writes {
				n, err := b.Write([]byte(w))
				if err != nil || n != len(w) {
					t.Fatalf("Write(%q) = %d, %v", w, n, err)
				}
			}
			if got := b.String(); got != tt.want {
				t.Fatalf("String() = %q, want %q", got, tt.want)
			}
			if b.Truncated() != tt.truncated {
				t.Fatalf("Truncated() = %v, want %v", b.Truncated(), tt.truncated)
			}
		})
	}
}

func TestLimitedBufferConcurrentWriters(t *testing.T) {
	b := NewLimitedBuffer(100)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = b.Write([]byte("0123456789"))
		}()
	}
	wg.Wait()
	if !b.Truncated() || len(b.String()) != 100+len(TruncationMarker) {
		t.Fatalf("len = %d truncated = %v", len(b.String()), b.Truncated())
	}
}
