package write

import "errors"

var ErrClosed = errors.New("write: stream is closed")

// Stream is a positional byte sink. Writes may arrive concurrently and out of order.
type Stream interface {
	Write(cursor int64, buffers [][]byte) error
	Close() error
}

type Truncater interface {
	Truncate(size int64) error
}

// MetadataStore keeps resume metadata next to the data it describes.
type MetadataStore interface {
	SaveMetadata(data []byte) error
	ReadMetadata() ([]byte, error)
}

func totalLen(buffers [][]byte) int {
	n := 0
	for _, b := range buffers {
		n += len(b)
	}
	return n
}
