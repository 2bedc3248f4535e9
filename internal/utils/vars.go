package utils

import (
	"errors"
	"time"
)

const ToolUserAgent = "pullstream/1.0"

const (
	KB = 1024
	MB = 1024 * KB
	GB = 1024 * MB
)

const (
	DefaultChunkSize       = 1 * MB
	DefaultReadBufferSize  = 64 * KB
	DefaultParallelStreams = 3
	DefaultRetries         = 5
	DefaultMaxWaitForData  = 60 * time.Second
	SocketBufferSize       = 1 * MB
	MaxTotalConnections    = 64
)

// TempFileSuffix marks the working path of a download that has not finished yet.
const TempFileSuffix = ".pullstream"
const LogFile = ".pullstream.log"

var ErrInvalidByteSize = errors.New("invalid byte size")

var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/133.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/133.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:135.0) Gecko/20100101 Firefox/135.0",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/133.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64; rv:135.0) Gecko/20100101 Firefox/135.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/18.3 Safari/605.1.15",
	"curl/7.88.1",
	"Wget/1.21.4",
}
