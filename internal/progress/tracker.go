package progress

import "sync"

// Tracker guards the SaveProgressInfo of the active part and computes transferred byte totals.
type Tracker struct {
	mu            sync.Mutex
	info          *SaveProgressInfo
	chunkSize     int64
	partSizes     []int64
	totalSize     int64
	completeBytes int64
	inFlight      map[int]int64
}

func NewTracker(partSizes []int64, totalSize, chunkSize int64, parallel int) *Tracker {
	return &Tracker{
		info:      &SaveProgressInfo{ChunkSize: chunkSize, ParallelStreams: max(parallel, 1)},
		chunkSize: chunkSize,
		partSizes: append([]int64(nil), partSizes...),
		totalSize: totalSize,
		inFlight:  make(map[int]int64),
	}
}

// Reset switches the tracker to part. With force the saved state is ignored and every chunk
// starts over, which is the only path from Complete back to NotStarted.
func (t *Tracker) Reset(part int, saved *SaveProgressInfo, force bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if force {
		saved = nil
	}
	parallel := t.info.ParallelStreams
	t.info = Initialize(part, t.partSize(part), t.chunkSize, parallel, saved)
	t.inFlight = make(map[int]int64)
	t.completeBytes = 0
	for i, status := range t.info.Chunks {
		if status == Complete {
			t.completeBytes += ChunkBytes(i, t.partSize(part), t.info.ChunkSize)
		}
	}
}

func (t *Tracker) partSize(part int) int64 {
	if part < 0 || part >= len(t.partSizes) {
		return 0
	}
	return t.partSizes[part]
}

func (t *Tracker) unbounded() bool {
	return t.partSize(t.info.Part) <= 0
}

func (t *Tracker) Part() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.info.Part
}

func (t *Tracker) ChunkSize() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.info.ChunkSize
}

// Chunks returns a snapshot of the chunk statuses.
func (t *Tracker) Chunks() []ChunkStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]ChunkStatus(nil), t.info.Chunks...)
}

// Info returns a snapshot suitable for persisting.
func (t *Tracker) Info() *SaveProgressInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.info.Clone()
}

// TryClaim moves chunk index from NotStarted to InProgress. It reports false when the chunk
// is already owned by a slice or complete, which is where the claiming slice has to stop.
func (t *Tracker) TryClaim(index int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if index < 0 || index >= len(t.info.Chunks) || t.info.Chunks[index] != NotStarted {
		return false
	}
	t.info.Chunks[index] = InProgress
	return true
}

func (t *Tracker) Status(index int) ChunkStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	if index < 0 {
		return NotStarted
	}
	if index >= len(t.info.Chunks) {
		if t.unbounded() {
			return InProgress
		}
		return NotStarted
	}
	return t.info.Chunks[index]
}

// MarkComplete transitions chunk index to Complete and counts size bytes for it. It reports
// false when the chunk was already complete, so callers never count the same bytes twice.
func (t *Tracker) MarkComplete(index int, size int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if index < 0 {
		return false
	}
	if index >= len(t.info.Chunks) {
		if !t.unbounded() {
			return false
		}
		for len(t.info.Chunks) <= index {
			t.info.Chunks = append(t.info.Chunks, InProgress)
		}
	}
	if t.info.Chunks[index] == Complete {
		return false
	}
	t.info.Chunks[index] = Complete
	t.completeBytes += size
	return true
}

// Release returns chunks left InProgress by an interrupted run to NotStarted.
func (t *Tracker) Release() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, status := range t.info.Chunks {
		if status == InProgress {
			t.info.Chunks[i] = NotStarted
		}
	}
}

func (t *Tracker) SetInFlight(id int, n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inFlight[id] = n
}

func (t *Tracker) ClearInFlight(id int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.inFlight, id)
}

// SetPartSize records the final size of a part whose length was unknown upfront.
func (t *Tracker) SetPartSize(part int, size int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if part >= 0 && part < len(t.partSizes) {
		t.partSizes[part] = size
	}
}

// TransferredBytes is finished parts + complete chunks of the active part + in-flight bytes,
// clamped to the total size when it is known.
func (t *Tracker) TransferredBytes() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var total int64
	for i := 0; i < t.info.Part && i < len(t.partSizes); i++ {
		total += t.partSizes[i]
	}
	total += t.completeBytes
	for _, n := range t.inFlight {
		total += n
	}
	if t.totalSize > 0 && total > t.totalSize {
		return t.totalSize
	}
	return total
}

func (t *Tracker) AllComplete() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, status := range t.info.Chunks {
		if status != Complete {
			return false
		}
	}
	return true
}

// Counts returns the number of chunks per status.
func (t *Tracker) Counts() (notStarted, inProgress, complete int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, status := range t.info.Chunks {
		switch status {
		case NotStarted:
			notStarted++
		case InProgress:
			inProgress++
		case Complete:
			complete++
		}
	}
	return
}

func (t *Tracker) ParallelStreams() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.info.ParallelStreams
}

func (t *Tracker) SetParallelStreams(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.info.ParallelStreams = max(n, 1)
}

// CompleteBytes is the byte count of the complete chunks of the active part.
func (t *Tracker) CompleteBytes() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.completeBytes
}
