package turbodl

import (
	"io"
	"os"
)

// runWriter is Component E in buffered mode: it repeatedly drains the
// contiguous prefix from buf and appends it to out, preserving ascending
// offset order by construction (head_offset is monotonic). It returns once
// the buffer reports end-of-stream.
func runWriter(buf *ChunkBuffer, out io.Writer, sink Sink, progressCounter func() int64, total int64) error {
	for {
		data, ok := buf.DrainContiguous()
		if !ok {
			return nil
		}
		if len(data) == 0 {
			continue
		}
		if _, err := out.Write(data); err != nil {
			return newError(KindIOError, false, err)
		}
		sink.Observe(Event{
			Phase:         PhaseDownloading,
			TotalBytes:    total,
			BytesReceived: progressCounter(),
			BytesWritten:  buf.HeadOffset(),
		})
	}
}

// prepareOutputFile creates the sentinel file empty. If preAllocate is true
// and size is positive, it extends the file to size with Truncate (sparse
// where the filesystem supports it), so positional writes never extend it;
// otherwise positional writes beyond EOF extend the file. See spec §4.E.
func prepareOutputFile(path string, size int64, preAllocate bool) (*os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, newError(KindIOError, false, err)
	}

	if size > 0 {
		if preAllocate {
			if err := f.Truncate(size); err != nil {
				f.Close()
				return nil, newError(KindIOError, false, err)
			}
		}
	}

	return f, nil
}
