package write

import "sync"

// MemoryWriter assembles the download in a growing byte slice.
type MemoryWriter struct {
	mu     sync.Mutex
	data   []byte
	closed bool
}

func NewMemoryWriter(sizeHint int64) *MemoryWriter {
	return &MemoryWriter{data: make([]byte, 0, max(sizeHint, 0))}
}

func (m *MemoryWriter) Write(cursor int64, buffers [][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	end := cursor + int64(totalLen(buffers))
	if end > int64(len(m.data)) {
		if end > int64(cap(m.data)) {
			grown := make([]byte, end, max(end, 2*int64(cap(m.data))))
			copy(grown, m.data)
			m.data = grown
		} else {
			m.data = m.data[:end]
		}
	}
	pos := cursor
	for _, b := range buffers {
		copy(m.data[pos:], b)
		pos += int64(len(b))
	}
	return nil
}

func (m *MemoryWriter) Truncate(size int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if size < int64(len(m.data)) {
		m.data = m.data[:size]
	}
	return nil
}

// Bytes returns a copy of the assembled data.
func (m *MemoryWriter) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.data...)
}

func (m *MemoryWriter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
