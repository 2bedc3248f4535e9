package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3API is the subset of the S3 client used for downloads.
type S3API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Transport reads s3://bucket/key objects with ranged GetObject calls.
type S3Transport struct {
	client S3API
}

func NewS3Transport(ctx context.Context, profile, region string) (*S3Transport, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRetryMode(aws.RetryModeAdaptive),
	}
	if profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(profile))
	}
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("error loading AWS config: %v", err)
	}
	return NewS3TransportWithClient(s3.NewFromConfig(cfg)), nil
}

func NewS3TransportWithClient(client S3API) *S3Transport {
	return &S3Transport{client: client}
}

func (t *S3Transport) Name() string    { return "s3" }
func (t *S3Transport) Resumable() bool { return true }

func (t *S3Transport) Stat(ctx context.Context, rawURL string, _ http.Header) (*DownloadInfo, error) {
	bucket, key, err := parseS3URL(rawURL)
	if err != nil {
		return nil, err
	}
	head, err := t.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, s3Error(rawURL, err)
	}
	info := &DownloadInfo{
		AcceptRange: true,
		FileName:    path.Base(key),
	}
	if head.ContentLength != nil {
		info.Length = *head.ContentLength
	}
	return info, nil
}

func (t *S3Transport) Open(ctx context.Context, rawURL string, start, end int64, _ http.Header) (io.ReadCloser, int64, error) {
	bucket, key, err := parseS3URL(rawURL)
	if err != nil {
		return nil, 0, err
	}
	input := &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}
	if end > start {
		input.Range = aws.String(fmt.Sprintf("bytes=%d-%d", start, end-1))
	}
	out, err := t.client.GetObject(ctx, input)
	if err != nil {
		return nil, 0, s3Error(rawURL, err)
	}
	length := int64(-1)
	if out.ContentLength != nil {
		length = *out.ContentLength
	}
	return out.Body, length, nil
}

func parseS3URL(rawURL string) (bucket, key string, err error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Scheme != "s3" || parsed.Host == "" {
		return "", "", fmt.Errorf("invalid S3 URL %q: expected s3://bucket/key", rawURL)
	}
	key = strings.TrimPrefix(parsed.Path, "/")
	if key == "" {
		return "", "", fmt.Errorf("invalid S3 URL %q: missing object key", rawURL)
	}
	return parsed.Host, key, nil
}

// s3Error maps SDK response errors onto StatusError so they share the HTTP retry policy.
func s3Error(rawURL string, err error) error {
	var respErr *awshttp.ResponseError
	if !errors.As(err, &respErr) {
		return err
	}
	se := &StatusError{
		URL:        rawURL,
		StatusCode: respErr.HTTPStatusCode(),
	}
	if respErr.Response != nil && respErr.Response.Response != nil {
		se.Header = respErr.Response.Header.Clone()
	}
	return se
}
