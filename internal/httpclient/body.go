package httpclient

import (
	"context"
	"io"
)

// cancelOnClose releases the default-timeout context with the response body.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	defer b.cancel()
	return b.ReadCloser.Close()
}
