package realmode

import (
	"errors"
	"fmt"
)

var ErrOutOfRange = errors.New("address outside real-mode memory")

// Memory is the guest address space reachable from real mode: the first
// megabyte plus the high memory area above it. With the A20 gate
// disabled (the power-on state) addresses at or above 1 MiB wrap to 0.
//
// Memory is not safe for concurrent use.
type Memory struct {
	data []byte
	a20  bool
}

func NewMemory() *Memory {
	return &Memory{data: make([]byte, HMALimit)}
}

func (m *Memory) Size() int64 { return int64(len(m.data)) }

func (m *Memory) A20() bool { return m.a20 }

func (m *Memory) SetA20(enabled bool) { m.a20 = enabled }

// translate maps a linear address to an index into data and returns how
// many bytes can be accessed contiguously from there.
func (m *Memory) translate(linear int64) (int64, int64, bool) {
	if linear < 0 || linear >= HMALimit {
		return 0, 0, false
	}
	if !m.a20 {
		addr := linear & (ConventionalLimit - 1)
		return addr, ConventionalLimit - addr, true
	}
	return linear, HMALimit - linear, true
}

func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	n := 0
	for n < len(p) {
		addr, run, ok := m.translate(off + int64(n))
		if !ok {
			return n, fmt.Errorf("read %#x: %w", off+int64(n), ErrOutOfRange)
		}
		n += copy(p[n:], m.data[addr:addr+run])
	}
	return n, nil
}

func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	n := 0
	for n < len(p) {
		addr, run, ok := m.translate(off + int64(n))
		if !ok {
			return n, fmt.Errorf("write %#x: %w", off+int64(n), ErrOutOfRange)
		}
		n += copy(m.data[addr:addr+run], p[n:])
	}
	return n, nil
}

// ReadFar is ReadAt addressed with a segment:offset pointer.
func (m *Memory) ReadFar(p []byte, ptr FarPtr) error {
	_, err := m.ReadAt(p, int64(ptr.Linear()))
	return err
}

// WriteFar is WriteAt addressed with a segment:offset pointer.
func (m *Memory) WriteFar(p []byte, ptr FarPtr) error {
	_, err := m.WriteAt(p, int64(ptr.Linear()))
	return err
}
