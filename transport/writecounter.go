package transport

import (
	"io"

	"github.com/dustin/go-humanize"
)

// WriteCounter wraps an io.Writer, tracking bytes written and aborting with
// ErrFileTooLarge once Max is exceeded (0 means unbounded). This is the
// engine's enforcement point for Feed.MaxFileSizeBytes.
type WriteCounter struct {
	Dest    io.Writer
	Max     int64
	written int64
}

func (wc *WriteCounter) Write(p []byte) (int, error) {
	if wc.Max > 0 && wc.written+int64(len(p)) > wc.Max {
		return 0, ErrFileTooLarge
	}
	n, err := wc.Dest.Write(p)
	wc.written += int64(n)
	return n, err
}

// Written returns the number of bytes written so far.
func (wc *WriteCounter) Written() int64 {
	return wc.written
}

// HumanSize formats Written as a human-readable size, e.g. "4.2 MB".
func (wc *WriteCounter) HumanSize() string {
	return humanize.Bytes(uint64(wc.written))
}
