package types

import (
	"sync"
	"time"

	"github.com/tanq16/pullstream/internal/progress"
)

// DownloadFile is one output file assembled from one or more parts.
type DownloadFile struct {
	TotalSize        int64
	LocalFileName    string
	Parts            []*DownloadFilePart
	DownloadProgress *progress.SaveProgressInfo
}

// DownloadFilePart is a sub-resource whose bytes are appended, in order, to the output file.
type DownloadFilePart struct {
	OriginalURL string
	Size        int64
	AcceptRange bool

	mu           sync.RWMutex
	downloadURL  string
	urlUpdatedAt time.Time
	refreshMu    sync.Mutex
}

func NewDownloadFilePart(originalURL, downloadURL string, size int64, acceptRange bool) *DownloadFilePart {
	if downloadURL == "" {
		downloadURL = originalURL
	}
	return &DownloadFilePart{
		OriginalURL: originalURL,
		Size:        size,
		AcceptRange: acceptRange,
		downloadURL: downloadURL,
	}
}

// NewDownloadFile builds a file from its parts. TotalSize is 0 if any part size is unknown.
func NewDownloadFile(localFileName string, parts ...*DownloadFilePart) *DownloadFile {
	var total int64
	for _, part := range parts {
		if part.Size <= 0 {
			total = 0
			break
		}
		total += part.Size
	}
	return &DownloadFile{
		TotalSize:     total,
		LocalFileName: localFileName,
		Parts:         parts,
	}
}

// PartOffset is the byte offset of part index in the final file.
func (f *DownloadFile) PartOffset(index int) int64 {
	var offset int64
	for i := 0; i < index && i < len(f.Parts); i++ {
		offset += f.Parts[i].Size
	}
	return offset
}

func (p *DownloadFilePart) URL() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.downloadURL
}

// SetURL replaces the download URL and records when it happened.
func (p *DownloadFilePart) SetURL(u string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.downloadURL = u
	p.urlUpdatedAt = time.Now()
}

func (p *DownloadFilePart) URLUpdatedAt() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.urlUpdatedAt
}

// URLSubstituted reports whether the download URL differs from the original one.
func (p *DownloadFilePart) URLSubstituted() bool {
	return p.URL() != p.OriginalURL
}

// RefreshLock serializes URL refreshes of this part across concurrent slices.
func (p *DownloadFilePart) RefreshLock() *sync.Mutex {
	return &p.refreshMu
}
