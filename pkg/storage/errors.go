package storage

import (
	"errors"
	"io"
	"net"
)

// isNetworkError reports whether err came from the link rather than from a
// decision the server announced.
func isNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
