package backends

import (
	"sync"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/dustin/go-humanize"
	"k8s.io/klog/v2"
)

// MemoryManager owns one backend's device-memory allocator for the duration
// of a network compilation and mediates every pool operation of the handles
// issued from it: handles never touch the allocator directly.
//
// If the host supplies a custom allocator, the manager wraps it; otherwise
// it constructs the backend default (Go heap). The choice is fixed at
// construction time.
type MemoryManager struct {
	backend BackendID
	alloc   memory.Allocator
	custom  bool

	mu          sync.Mutex
	outstanding int64 // bytes currently allocated
}

// NewMemoryManager creates a manager for the backend. A nil custom allocator
// selects the default memory.GoAllocator.
func NewMemoryManager(backend BackendID, custom memory.Allocator) *MemoryManager {
	mm := &MemoryManager{backend: backend, alloc: custom, custom: custom != nil}
	if mm.alloc == nil {
		mm.alloc = memory.NewGoAllocator()
	}
	return mm
}

// Backend returns the ID of the backend the manager belongs to.
func (m *MemoryManager) Backend() BackendID { return m.backend }

// UsingCustomAllocator reports whether a host-supplied allocator is wrapped.
func (m *MemoryManager) UsingCustomAllocator() bool { return m.custom }

// Allocate hands out a zero-initialized buffer of n bytes from the pool.
func (m *MemoryManager) Allocate(n int) []byte {
	buf := m.alloc.Allocate(n)
	m.mu.Lock()
	m.outstanding += int64(n)
	m.mu.Unlock()
	allocatedBytes.WithLabelValues(string(m.backend)).Add(float64(n))
	klog.V(2).Infof("memory manager %s: allocated %s (outstanding %s)",
		m.backend, humanize.Bytes(uint64(n)), humanize.Bytes(uint64(m.OutstandingBytes())))
	return buf
}

// Free returns a buffer previously handed out by Allocate.
func (m *MemoryManager) Free(buf []byte) {
	if buf == nil {
		return
	}
	n := len(buf)
	m.alloc.Free(buf)
	m.mu.Lock()
	m.outstanding -= int64(n)
	m.mu.Unlock()
	freedBytes.WithLabelValues(string(m.backend)).Add(float64(n))
}

// OutstandingBytes returns the bytes currently allocated and not yet freed.
func (m *MemoryManager) OutstandingBytes() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outstanding
}
