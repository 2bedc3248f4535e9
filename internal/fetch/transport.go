package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/tanq16/pullstream/internal/utils"
)

// DownloadInfo is the result of a metadata request. Length is 0 when unknown.
type DownloadInfo struct {
	Length      int64
	AcceptRange bool
	NewURL      string
	FileName    string
}

// Transport moves bytes from one kind of source. Open serves [start, end) when end > start,
// and the whole resource otherwise; the returned length is -1 when the source does not report it.
type Transport interface {
	Name() string
	Stat(ctx context.Context, url string, header http.Header) (*DownloadInfo, error)
	Open(ctx context.Context, url string, start, end int64, header http.Header) (io.ReadCloser, int64, error)
	// Resumable reports whether a failed read may continue from the current position
	// instead of restarting its slice.
	Resumable() bool
}

type TransportOptions struct {
	Client    utils.HTTPDoer
	Buffered  bool
	S3Profile string
	S3Region  string
}

// Source kinds returned by SourceKind.
const (
	SourceHTTP  = "http"
	SourceS3    = "s3"
	SourceLocal = "local"
)

// SourceKind names the transport family serving rawURL. Plain paths and file:// URLs are
// local. Unsupported schemes return an error.
func SourceKind(rawURL string) (string, error) {
	scheme := ""
	if parsed, err := url.Parse(rawURL); err == nil {
		scheme = strings.ToLower(parsed.Scheme)
	}
	switch scheme {
	case "http", "https":
		return SourceHTTP, nil
	case "s3":
		return SourceS3, nil
	case "", "file":
		return SourceLocal, nil
	default:
		// Windows drive letters parse as a one letter scheme.
		if len(scheme) == 1 {
			return SourceLocal, nil
		}
		return "", fmt.Errorf("unsupported source scheme %q", scheme)
	}
}

// TransportFor picks a transport by URL scheme.
func TransportFor(ctx context.Context, rawURL string, opts TransportOptions) (Transport, error) {
	kind, err := SourceKind(rawURL)
	if err != nil {
		return nil, err
	}
	switch kind {
	case SourceHTTP:
		client := opts.Client
		if client == nil {
			client = utils.NewPullHTTPClient(utils.HTTPClientConfig{})
		}
		if opts.Buffered {
			return NewBufferedHTTPTransport(client), nil
		}
		return NewHTTPTransport(client), nil
	case SourceS3:
		return NewS3Transport(ctx, opts.S3Profile, opts.S3Region)
	default:
		return NewLocalTransport(), nil
	}
}
