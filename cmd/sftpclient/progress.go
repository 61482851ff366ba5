package main

import (
	"io"
	"time"

	"github.com/schollz/progressbar/v3"
)

// progressBatchSize is how many bytes are read between bar updates.
const progressBatchSize = 512 * 1024

// progressReader counts bytes as Upload consumes them.
type progressReader struct {
	reader           io.Reader
	bar              *progressbar.ProgressBar
	bytesSinceUpdate int64
	closed           bool
}

func newProgressReader(r io.Reader, size int64, out io.Writer, description string) *progressReader {
	bar := progressbar.NewOptions64(
		size,
		progressbar.OptionSetWriter(out),
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowBytes(true),
		progressbar.OptionShowCount(),
		progressbar.OptionSetRenderBlankState(true),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
	return &progressReader{reader: r, bar: bar}
}

func (pr *progressReader) Read(p []byte) (n int, err error) {
	n, err = pr.reader.Read(p)
	if n > 0 {
		pr.bytesSinceUpdate += int64(n)
		if pr.bytesSinceUpdate >= progressBatchSize {
			_ = pr.bar.Add64(pr.bytesSinceUpdate)
			pr.bytesSinceUpdate = 0
		}
	}
	return
}

// Close flushes pending progress and finishes the bar. The wrapped reader is
// left open. Upload closes its reader, so Close may run twice.
func (pr *progressReader) Close() error {
	if pr.closed {
		return nil
	}
	pr.closed = true
	if pr.bytesSinceUpdate > 0 {
		_ = pr.bar.Add64(pr.bytesSinceUpdate)
		pr.bytesSinceUpdate = 0
	}
	return pr.bar.Close()
}
