package write

import "sync"

type WriteFunc func(cursor int64, buffers [][]byte) error

// CallbackWriter hands every write to a user function.
type CallbackWriter struct {
	fn      WriteFunc
	onClose func() error
	once    sync.Once
	err     error
}

// NewCallbackWriter wraps fn. onClose may be nil.
func NewCallbackWriter(fn WriteFunc, onClose func() error) *CallbackWriter {
	return &CallbackWriter{fn: fn, onClose: onClose}
}

func (c *CallbackWriter) Write(cursor int64, buffers [][]byte) error {
	return c.fn(cursor, buffers)
}

func (c *CallbackWriter) Close() error {
	c.once.Do(func() {
		if c.onClose != nil {
			c.err = c.onClose()
		}
	})
	return c.err
}
