package core

import "unsafe"

const (
	// CacheLineSize is a common cache line size, typically 64 bytes.
	CacheLineSize = 64

	// ComplexSize is the size in bytes of one complex128 coefficient.
	ComplexSize = 16

	// FloatSize is the size in bytes of one float64 value.
	FloatSize = 8
)

// IsAligned checks if an address is aligned to a cache line boundary.
func IsAligned(addr uintptr) bool {
	return addr%CacheLineSize == 0
}

// AlignedSize rounds size up to the nearest cache line multiple.
func AlignedSize(size uintptr) uintptr {
	return (size + uintptr(CacheLineSize-1)) & ^uintptr(CacheLineSize-1)
}

// AlignedBytes allocates a byte slice whose backing array starts on a cache
// line boundary.
func AlignedBytes(size int) []byte {
	if size == 0 {
		return nil
	}
	// At most CacheLineSize-1 bytes are needed to reach the next boundary.
	buf := make([]byte, size+CacheLineSize-1)

	ptr := uintptr(unsafe.Pointer(&buf[0]))
	offset := uintptr(0)
	if mod := ptr % CacheLineSize; mod != 0 {
		offset = CacheLineSize - mod
	}
	return buf[offset : offset+uintptr(size)]
}

// AlignedComplex allocates n cache-aligned complex128 values.
func AlignedComplex(n int) []complex128 {
	if n == 0 {
		return nil
	}
	return ComplexView(AlignedBytes(n * ComplexSize))
}

// ComplexView reinterprets b as complex128 values without copying.
// Returns nil if len(b) is not a multiple of ComplexSize.
func ComplexView(b []byte) []complex128 {
	if len(b) == 0 || len(b)%ComplexSize != 0 {
		return nil
	}
	return unsafe.Slice((*complex128)(unsafe.Pointer(&b[0])), len(b)/ComplexSize)
}

// ComplexBytes reinterprets c as raw bytes without copying.
func ComplexBytes(c []complex128) []byte {
	if len(c) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&c[0])), len(c)*ComplexSize)
}

// FloatView reinterprets b as float64 values without copying.
// Returns nil if len(b) is not a multiple of FloatSize.
func FloatView(b []byte) []float64 {
	if len(b) == 0 || len(b)%FloatSize != 0 {
		return nil
	}
	return unsafe.Slice((*float64)(unsafe.Pointer(&b[0])), len(b)/FloatSize)
}

// FloatBytes reinterprets f as raw bytes without copying.
func FloatBytes(f []float64) []byte {
	if len(f) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&f[0])), len(f)*FloatSize)
}

// ComplexAsFloats exposes the interleaved real/imaginary parts of c.
// Reductions over complex data go through this view.
func ComplexAsFloats(c []complex128) []float64 {
	if len(c) == 0 {
		return nil
	}
	return unsafe.Slice((*float64)(unsafe.Pointer(&c[0])), 2*len(c))
}
