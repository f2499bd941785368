package sim

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"gospi/core"
)

// Memory errors
var (
	ErrAllocFailed = errors.New("sim: allocation failed")
	ErrMapFailed   = errors.New("sim: mapping failed")
	ErrBadUnmap    = errors.New("sim: unmap of unknown mapping")
	ErrBusFault    = errors.New("sim: DMA access outside any mapping")
)

// Memory is a simulated DMA memory. It implements core.DMA, hands out bus
// addresses of a configurable width and counts every allocation and
// mapping so tests can check that nothing leaks.
type Memory struct {
	mu sync.Mutex

	addrBits int
	next     core.Addr
	maps     []region
	allocs   map[*byte]int

	failAlloc int // fail the n-th next Alloc (1-based), 0 = never
	failMap   int

	stats MemStats
}

// MemStats counts Memory operations.
type MemStats struct {
	Allocs, Frees  int
	Maps, Unmaps   int
	BytesMapped    int
	MaxOutstanding int
}

type region struct {
	addr core.Addr
	buf  []byte
	dir  core.DataDir
}

// Base bus addresses. 36-bit memories hand out addresses above 4GiB so the
// high address registers are exercised.
const (
	base32 core.Addr = 0x4000_0000
	base36 core.Addr = 0x8_0000_0000
)

// NewMemory returns a memory with addrBits-wide bus addresses (32 or 36).
func NewMemory(addrBits int) *Memory {
	m := &Memory{
		addrBits: addrBits,
		next:     base32,
		allocs:   make(map[*byte]int),
	}
	if addrBits > 32 {
		m.next = base36
	}
	return m
}

// FailAlloc makes the n-th next Alloc fail.
func (m *Memory) FailAlloc(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAlloc = n
}

// FailMap makes the n-th next Map fail.
func (m *Memory) FailMap(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failMap = n
}

// Alloc implements core.DMA.
func (m *Memory) Alloc(size int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failAlloc > 0 {
		m.failAlloc--
		if m.failAlloc == 0 {
			return nil, fmt.Errorf("%w: %d bytes", ErrAllocFailed, size)
		}
	}
	if size <= 0 {
		return nil, fmt.Errorf("%w: size %d", ErrAllocFailed, size)
	}

	// Word slices keep the buffer 4-byte aligned.
	words := make([]uint32, (size+3)/4)
	buf := unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(words))), len(words)*4)[:size]
	m.allocs[unsafe.SliceData(buf)] = size
	m.stats.Allocs++
	return buf, nil
}

// Free implements core.DMA.
func (m *Memory) Free(buf []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(buf) == 0 {
		return
	}
	p := unsafe.SliceData(buf)
	if _, ok := m.allocs[p]; !ok {
		return
	}
	delete(m.allocs, p)
	m.stats.Frees++
}

// Map implements core.DMA.
func (m *Memory) Map(buf []byte, dir core.DataDir) (core.Addr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failMap > 0 {
		m.failMap--
		if m.failMap == 0 {
			return 0, fmt.Errorf("%w: %d bytes %s", ErrMapFailed, len(buf), dir)
		}
	}
	if len(buf) == 0 {
		return 0, fmt.Errorf("%w: empty buffer", ErrMapFailed)
	}

	addr := m.next
	if end := uint64(addr) + uint64(len(buf)); end > 1<<m.addrBits {
		return 0, fmt.Errorf("%w: %d-bit address space exhausted", ErrMapFailed, m.addrBits)
	}
	// Keep mappings 64-byte aligned so buffers never share a cache line.
	m.next += core.Addr((len(buf) + 63) &^ 63)

	m.maps = append(m.maps, region{addr: addr, buf: buf, dir: dir})
	m.stats.Maps++
	m.stats.BytesMapped += len(buf)
	m.stats.MaxOutstanding = max(m.stats.MaxOutstanding, len(m.maps))
	return addr, nil
}

// Unmap implements core.DMA.
func (m *Memory) Unmap(addr core.Addr, size int, dir core.DataDir) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, r := range m.maps {
		if r.addr != addr {
			continue
		}
		if len(r.buf) != size || r.dir != dir {
			return fmt.Errorf("%w: 0x%x mapped %d bytes %s, unmapped %d bytes %s",
				ErrBadUnmap, addr, len(r.buf), r.dir, size, dir)
		}
		m.maps = append(m.maps[:i], m.maps[i+1:]...)
		m.stats.Unmaps++
		return nil
	}
	return fmt.Errorf("%w: 0x%x", ErrBadUnmap, addr)
}

// slice returns the n mapped bytes at addr.
func (m *Memory) slice(addr core.Addr, n int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.maps {
		if addr < r.addr || addr >= r.addr+core.Addr(len(r.buf)) {
			continue
		}
		off := int(addr - r.addr)
		if off+n > len(r.buf) {
			return nil, fmt.Errorf("%w: 0x%x+%d overruns %d-byte mapping", ErrBusFault, addr, n, len(r.buf))
		}
		return r.buf[off : off+n], nil
	}
	return nil, fmt.Errorf("%w: 0x%x", ErrBusFault, addr)
}

// Stats returns the operation counters.
func (m *Memory) Stats() MemStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Outstanding returns the number of live allocations and mappings.
func (m *Memory) Outstanding() (allocs, maps int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.allocs), len(m.maps)
}
