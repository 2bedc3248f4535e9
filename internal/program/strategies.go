package program

import "github.com/tanq16/pullstream/internal/progress"

// Chunks hands out the leftmost not-started chunk, one chunk per slice.
type Chunks struct {
	driver
}

func NewChunks(src Source) *Chunks {
	p := &Chunks{}
	p.driver = newDriver(src, p.SelectNextSlice)
	return p
}

func (p *Chunks) SelectNextSlice(chunks []progress.ChunkStatus) (Slice, bool) {
	for i, status := range chunks {
		if status == progress.NotStarted {
			return Slice{Start: i, End: i + 1}, true
		}
	}
	return Slice{}, false
}

// Stream bisects the largest gap of not-started chunks and hands out its second half. A gap
// that is the unread tail of a running slice is split the same way, which shortens that slice.
type Stream struct {
	driver
}

func NewStream(src Source) *Stream {
	p := &Stream{}
	p.driver = newDriver(src, p.SelectNextSlice)
	return p
}

func (p *Stream) SelectNextSlice(chunks []progress.ChunkStatus) (Slice, bool) {
	gaps := Gaps(chunks)
	if len(gaps) == 0 {
		return Slice{}, false
	}
	largest := gaps[0]
	for _, gap := range gaps[1:] {
		if gap.Len() > largest.Len() {
			largest = gap
		}
	}
	mid := largest.Start + largest.Len()/2
	return Slice{Start: mid, End: largest.End}, true
}

// Gaps returns the maximal runs of not-started chunks in index order. A running slice holds
// only the chunk it is reading, so its unread chunks are part of a gap.
func Gaps(chunks []progress.ChunkStatus) []Slice {
	var gaps []Slice
	for i := 0; i < len(chunks); {
		if chunks[i] != progress.NotStarted {
			i++
			continue
		}
		j := i
		for j < len(chunks) && chunks[j] == progress.NotStarted {
			j++
		}
		gaps = append(gaps, Slice{Start: i, End: j})
		i = j
	}
	return gaps
}
