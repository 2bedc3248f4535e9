package fetch

// ChunkFunc receives one chunk as the pieces that make it up, the byte position of its first
// byte within the part, and its chunk index.
type ChunkFunc func(pieces [][]byte, position int64, index int) error

// Splitter regroups arbitrarily sized reads into chunkSize groups. Pieces crossing a chunk
// boundary are resliced, never copied, so every group but a final flush is exactly chunkSize.
type Splitter struct {
	chunkSize int64
	position  int64
	index     int
	pending   [][]byte
	buffered  int64
	fn        ChunkFunc
}

func NewSplitter(chunkSize, position int64, index int, fn ChunkFunc) *Splitter {
	return &Splitter{
		chunkSize: chunkSize,
		position:  position,
		index:     index,
		fn:        fn,
	}
}

// Write queues piece and emits every chunk it completes. The piece is retained until emitted,
// so callers must not reuse its backing array.
func (s *Splitter) Write(piece []byte) error {
	for len(piece) > 0 {
		need := s.chunkSize - s.buffered
		if int64(len(piece)) < need {
			s.pending = append(s.pending, piece)
			s.buffered += int64(len(piece))
			return nil
		}
		s.pending = append(s.pending, piece[:need])
		s.buffered += need
		piece = piece[need:]
		if err := s.emit(); err != nil {
			return err
		}
	}
	return nil
}

// Flush emits the leftover bytes as a final, possibly short, chunk.
func (s *Splitter) Flush() error {
	if s.buffered == 0 {
		return nil
	}
	return s.emit()
}

func (s *Splitter) emit() error {
	pieces, size := s.pending, s.buffered
	s.pending, s.buffered = nil, 0
	err := s.fn(pieces, s.position, s.index)
	s.position += size
	s.index++
	return err
}

// Buffered is the number of received bytes not yet emitted.
func (s *Splitter) Buffered() int64 {
	return s.buffered
}

// Position is where the next emitted chunk starts.
func (s *Splitter) Position() int64 {
	return s.position
}

// Next is the position of the next byte the splitter expects.
func (s *Splitter) Next() int64 {
	return s.position + s.buffered
}

func (s *Splitter) Index() int {
	return s.index
}

// Reset drops buffered bytes and restarts at position and index.
func (s *Splitter) Reset(position int64, index int) {
	s.pending, s.buffered = nil, 0
	s.position = position
	s.index = index
}
