package fetch

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/tanq16/pullstream/internal/utils"
)

// HTTPTransport streams response bodies. A failed read resumes with a new range request.
type HTTPTransport struct {
	client utils.HTTPDoer
}

func NewHTTPTransport(client utils.HTTPDoer) *HTTPTransport {
	return &HTTPTransport{client: client}
}

func (t *HTTPTransport) Name() string    { return "http" }
func (t *HTTPTransport) Resumable() bool { return true }

// Stat issues a HEAD request, falling back to a one byte ranged GET for servers that
// reject HEAD.
func (t *HTTPTransport) Stat(ctx context.Context, url string, header http.Header) (*DownloadInfo, error) {
	resp, err := t.do(ctx, http.MethodHead, url, header, nil)
	if err != nil {
		return nil, err
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotImplemented {
		return t.statWithGet(ctx, url, header)
	}
	if resp.StatusCode >= 400 {
		return nil, newStatusError(url, resp)
	}
	info := &DownloadInfo{
		AcceptRange: resp.Header.Get("Accept-Ranges") == "bytes",
		FileName:    fileNameFromDisposition(resp.Header.Get("Content-Disposition")),
	}
	if resp.ContentLength > 0 {
		info.Length = resp.ContentLength
	}
	info.NewURL = finalURL(resp, url)
	return info, nil
}

func (t *HTTPTransport) statWithGet(ctx context.Context, url string, header http.Header) (*DownloadInfo, error) {
	resp, err := t.do(ctx, http.MethodGet, url, header, map[string]string{"Range": "bytes=0-0"})
	if err != nil {
		return nil, err
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, newStatusError(url, resp)
	}
	info := &DownloadInfo{
		FileName: fileNameFromDisposition(resp.Header.Get("Content-Disposition")),
	}
	if resp.StatusCode == http.StatusPartialContent {
		info.AcceptRange = true
		if _, _, total, err := ParseContentRange(resp.Header.Get("Content-Range")); err == nil && total > 0 {
			info.Length = total
		}
	} else if resp.ContentLength > 0 {
		info.Length = resp.ContentLength
	}
	info.NewURL = finalURL(resp, url)
	return info, nil
}

func (t *HTTPTransport) Open(ctx context.Context, url string, start, end int64, header http.Header) (io.ReadCloser, int64, error) {
	ranged := end > start
	extra := map[string]string{}
	if ranged {
		extra["Range"] = fmt.Sprintf("bytes=%d-%d", start, end-1)
	}
	resp, err := t.do(ctx, http.MethodGet, url, header, extra)
	if err != nil {
		return nil, 0, err
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return nil, 0, newStatusError(url, resp)
	}
	if ranged && resp.StatusCode != http.StatusPartialContent {
		// A full body is only usable when it is exactly the range we asked for.
		if start != 0 || resp.ContentLength != end {
			resp.Body.Close()
			return nil, 0, ErrRangeNotSupported
		}
	}
	return resp.Body, resp.ContentLength, nil
}

func (t *HTTPTransport) do(ctx context.Context, method, url string, header http.Header, extra map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, values := range header {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	for k, v := range extra {
		req.Header.Set(k, v)
	}
	return t.client.Do(req)
}

func fileNameFromDisposition(value string) string {
	if value == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(value)
	if err != nil {
		return ""
	}
	return params["filename"]
}

// finalURL is the URL after redirects, or "" when the request was not redirected.
func finalURL(resp *http.Response, requested string) string {
	if resp.Request == nil || resp.Request.URL == nil {
		return ""
	}
	if final := resp.Request.URL.String(); final != requested {
		return final
	}
	return ""
}

// ParseContentRange parses "bytes start-end/total". Total is -1 when reported as "*".
func ParseContentRange(header string) (start, end, total int64, err error) {
	header = strings.TrimPrefix(header, "bytes ")
	parts := strings.Split(header, "/")
	if len(parts) != 2 {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range format: %s", header)
	}
	rangeParts := strings.Split(parts[0], "-")
	if len(rangeParts) != 2 {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range format: %s", header)
	}
	if start, err = strconv.ParseInt(rangeParts[0], 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid start byte: %w", err)
	}
	if end, err = strconv.ParseInt(rangeParts[1], 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid end byte: %w", err)
	}
	if parts[1] == "*" {
		return start, end, -1, nil
	}
	if total, err = strconv.ParseInt(parts[1], 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid total bytes: %w", err)
	}
	return start, end, total, nil
}
