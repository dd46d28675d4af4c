package alloc

import "testing"

// heapSink keeps the Go heap baseline from being optimized away.
var heapSink []byte

var benchSizes = []struct {
	name string
	size int
}{
	{"small", 64},
	{"medium", 1024},
	{"large", 16 << 10},
}

// BenchmarkAllocFree compares one allocate/free round trip per allocator
// against make on the Go heap. Names follow AllocFree/<impl>/<size> so
// scripts/benchmark_parser.go can pair them with the "heap" baseline.
func BenchmarkAllocFree(b *testing.B) {
	for _, sz := range benchSizes {
		b.Run("heap/"+sz.name, func(b *testing.B) {
			b.ReportAllocs()
			for b.Loop() {
				heapSink = make([]byte, sz.size)
			}
		})

		b.Run("general/"+sz.name, func(b *testing.B) {
			g := newTestGeneral(b, 1<<20)
			b.ReportAllocs()
			for b.Loop() {
				h, err := g.Allocate(sz.size, 0, 0, "")
				if err != nil {
					b.Fatal(err)
				}
				_ = g.Free(h)
			}
		})

		b.Run("pool/"+sz.name, func(b *testing.B) {
			p := newTestPool(b, sz.size, 64)
			b.ReportAllocs()
			for b.Loop() {
				h, err := p.Allocate(sz.size, 0, 0, "")
				if err != nil {
					b.Fatal(err)
				}
				_ = p.Free(h)
			}
		})

		b.Run("stack/"+sz.name, func(b *testing.B) {
			s := newTestStack(b, 1<<20)
			b.ReportAllocs()
			for b.Loop() {
				h, err := s.AllocateTop(sz.size, 0, 0, "")
				if err != nil {
					b.Fatal(err)
				}
				_ = s.Free(h)
			}
		})
	}
}

// BenchmarkFrame compares 100 frame allocations released together.
func BenchmarkFrame(b *testing.B) {
	for _, sz := range benchSizes {
		b.Run("heap/"+sz.name, func(b *testing.B) {
			bufs := make([][]byte, 100)
			b.ReportAllocs()
			for b.Loop() {
				for i := range bufs {
					bufs[i] = make([]byte, sz.size)
				}
				clear(bufs)
			}
		})

		b.Run("linear/"+sz.name, func(b *testing.B) {
			l := newTestLinear(b, 100*(sz.size+DefaultAlignment))
			b.ReportAllocs()
			for b.Loop() {
				for range 100 {
					if _, err := l.Allocate(sz.size, 0, 0, ""); err != nil {
						b.Fatal(err)
					}
				}
				l.Reset()
			}
		})
	}
}
