package fetch

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"github.com/tanq16/pullstream/internal/utils"
)

// BufferedHTTPTransport reads each response fully into memory before handing it over, for
// clients that cannot stream a body. A failed slice restarts from its first chunk.
type BufferedHTTPTransport struct {
	http *HTTPTransport
}

func NewBufferedHTTPTransport(client utils.HTTPDoer) *BufferedHTTPTransport {
	return &BufferedHTTPTransport{http: NewHTTPTransport(client)}
}

func (t *BufferedHTTPTransport) Name() string    { return "buffered" }
func (t *BufferedHTTPTransport) Resumable() bool { return false }

func (t *BufferedHTTPTransport) Stat(ctx context.Context, url string, header http.Header) (*DownloadInfo, error) {
	return t.http.Stat(ctx, url, header)
}

func (t *BufferedHTTPTransport) Open(ctx context.Context, url string, start, end int64, header http.Header) (io.ReadCloser, int64, error) {
	body, length, err := t.http.Open(ctx, url, start, end, header)
	if err != nil {
		return nil, 0, err
	}
	defer body.Close()
	if length > 0 && end > start && length != end-start {
		return nil, 0, ErrContentLengthMismatch
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, 0, err
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}
