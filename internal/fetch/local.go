package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
)

// LocalTransport copies from the local filesystem. Every part is range capable.
type LocalTransport struct{}

func NewLocalTransport() *LocalTransport {
	return &LocalTransport{}
}

func (t *LocalTransport) Name() string    { return "local" }
func (t *LocalTransport) Resumable() bool { return true }

func (t *LocalTransport) Stat(ctx context.Context, rawURL string, _ http.Header) (*DownloadInfo, error) {
	path := localPath(rawURL)
	stat, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat source: %w", err)
	}
	if stat.IsDir() {
		return nil, fmt.Errorf("source %s is a directory", path)
	}
	return &DownloadInfo{
		Length:      stat.Size(),
		AcceptRange: true,
		FileName:    filepath.Base(path),
	}, nil
}

func (t *LocalTransport) Open(ctx context.Context, rawURL string, start, end int64, _ http.Header) (io.ReadCloser, int64, error) {
	f, err := os.Open(localPath(rawURL))
	if err != nil {
		return nil, 0, fmt.Errorf("open source: %w", err)
	}
	if end <= start {
		stat, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, 0, fmt.Errorf("stat source: %w", err)
		}
		end = stat.Size()
	}
	return &sectionReadCloser{
		SectionReader: io.NewSectionReader(f, start, end-start),
		file:          f,
	}, end - start, nil
}

type sectionReadCloser struct {
	*io.SectionReader
	file *os.File
}

func (s *sectionReadCloser) Close() error {
	return s.file.Close()
}

func localPath(rawURL string) string {
	if parsed, err := url.Parse(rawURL); err == nil && parsed.Scheme == "file" {
		return filepath.FromSlash(parsed.Path)
	}
	return rawURL
}
