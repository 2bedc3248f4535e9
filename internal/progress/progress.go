package progress

import "fmt"

type ChunkStatus int

const (
	NotStarted ChunkStatus = iota
	InProgress
	Complete
)

func (s ChunkStatus) String() string {
	switch s {
	case NotStarted:
		return "not-started"
	case InProgress:
		return "in-progress"
	case Complete:
		return "complete"
	default:
		return fmt.Sprintf("chunk-status(%d)", int(s))
	}
}

// SaveProgressInfo is the persisted, resumable state of the active part.
type SaveProgressInfo struct {
	Part            int           `json:"part"`
	Chunks          []ChunkStatus `json:"chunks"`
	ChunkSize       int64         `json:"chunkSize"`
	ParallelStreams int           `json:"parallelStreams"`
}

func (s *SaveProgressInfo) Clone() *SaveProgressInfo {
	if s == nil {
		return nil
	}
	clone := *s
	clone.Chunks = append([]ChunkStatus(nil), s.Chunks...)
	return &clone
}

// ChunkCount is ceil(partSize / chunkSize).
func ChunkCount(partSize, chunkSize int64) int {
	if partSize <= 0 || chunkSize <= 0 {
		return 0
	}
	return int((partSize + chunkSize - 1) / chunkSize)
}

// ChunkBytes is the length of chunk index within a part; the last chunk may be short.
func ChunkBytes(index int, partSize, chunkSize int64) int64 {
	if partSize <= 0 {
		return chunkSize
	}
	start := int64(index) * chunkSize
	if start >= partSize {
		return 0
	}
	return min(chunkSize, partSize-start)
}

// Initialize returns a fresh chunk map for a part, or the saved one when it belongs to the same
// part and its layout is consistent. Restored chunks that were not complete are reset, since a
// crashed run may have left them half written.
func Initialize(part int, partSize, chunkSize int64, parallel int, saved *SaveProgressInfo) *SaveProgressInfo {
	if saved != nil && saved.Part == part && saved.ChunkSize > 0 &&
		len(saved.Chunks) == ChunkCount(partSize, saved.ChunkSize) {
		info := saved.Clone()
		for i, status := range info.Chunks {
			if status != Complete {
				info.Chunks[i] = NotStarted
			}
		}
		if parallel > 0 {
			info.ParallelStreams = parallel
		}
		if info.ParallelStreams < 1 {
			info.ParallelStreams = 1
		}
		return info
	}
	return &SaveProgressInfo{
		Part:            part,
		Chunks:          make([]ChunkStatus, ChunkCount(partSize, chunkSize)),
		ChunkSize:       chunkSize,
		ParallelStreams: max(parallel, 1),
	}
}
