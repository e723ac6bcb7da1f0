package turbodl

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/cognusion/go-timings"
	"github.com/cognusion/semaphore"
	"go.uber.org/atomic"
)

// WorkerStatus is the lifecycle state of one chunk's worker, spec §3.
type WorkerStatus int

const (
	StatusPending WorkerStatus = iota
	StatusRunning
	StatusRetrying
	StatusDone
	StatusFailed
	StatusCanceled
)

const (
	minSubChunkBytes = 64 * 1024
	maxAttempts      = 5
)

// WorkerState tracks one chunk's progress across retries, so a retry
// resumes from bytes_completed instead of re-entering the top of the
// fetch routine. Grounded on the teacher's per-worker loop, generalized
// into an explicit state machine per spec §3/§9.
type WorkerState struct {
	ChunkIndex     int
	Attempt        int
	BytesCompleted int64
	Status         WorkerStatus
}

// writerTarget abstracts the two sinks a worker can deposit bytes into:
// the ChunkBuffer (buffered mode) or a positional file writer (unbuffered).
type writerTarget interface {
	depositAt(offset int64, data []byte) error
}

type bufferTarget struct{ buf *ChunkBuffer }

func (t bufferTarget) depositAt(offset int64, data []byte) error {
	return t.buf.Deposit(offset, data)
}

type fileTarget struct{ w io.WriterAt }

func (t fileTarget) depositAt(offset int64, data []byte) error {
	_, err := t.w.WriteAt(data, offset)
	return err
}

// workerPool owns concurrent fetch of every chunk in a plan.
type workerPool struct {
	client     *http.Client
	url        string
	headers    map[string]string
	target     writerTarget
	inactivity time.Duration
	debugOut   *log.Logger
	timingsOut *log.Logger
	dlid       string

	// workerCount is the plan's total worker count, not this chunk's
	// index: a 200 response is only acceptable in place of 206 when the
	// whole plan has exactly one worker, per spec §4.D. Chunk 0 of any
	// multi-worker plan starts at offset 0 too, so chunk identity alone
	// can't tell the two cases apart.
	workerCount int

	progressCounter *atomic.Int64
	speed           *speedTracker
	sink            Sink
	total           int64
}

// run fetches every chunk concurrently, bounded by sem (one Lock per
// in-flight worker, mirroring the teacher's info.Sem usage in v2/rt.go),
// and returns the first error a chunk ends with (a non-retryable error, or
// the last error once its retries are exhausted), canceling the rest via ctx.
func (wp *workerPool) run(ctx context.Context, chunks []Chunk, sem semaphore.Semaphore) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, len(chunks))
	for _, c := range chunks {
		c := c
		sem.Lock()
		go func() {
			defer sem.Unlock()
			err := wp.runChunk(ctx, c)
			if err != nil {
				select {
				case errCh <- err:
				default:
				}
				cancel()
			} else {
				errCh <- nil
			}
		}()
	}

	var firstErr error
	for range chunks {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// runChunk drives one WorkerState through attempts until it's done,
// canceled, or exhausts maxAttempts. Retries resume from bytes_completed
// by adjusting the Range header rather than restarting the chunk.
func (wp *workerPool) runChunk(ctx context.Context, c Chunk) error {
	defer timings.Track(fmt.Sprintf("[%s] fetchChunk %d-%d", wp.dlid, c.Start, c.End), time.Now(), wp.timingsOut)

	if c.End == -1 && c.Start == 0 {
		// Empty file (spec scenario S5): nothing to fetch.
		return nil
	}

	state := &WorkerState{ChunkIndex: c.Index, Status: StatusPending}

	for state.Attempt = 0; state.Attempt < maxAttempts; state.Attempt++ {
		select {
		case <-ctx.Done():
			state.Status = StatusCanceled
			return newError(KindInterrupted, false, ctx.Err())
		default:
		}

		state.Status = StatusRunning
		err := wp.attempt(ctx, c, state)
		if err == nil {
			state.Status = StatusDone
			return nil
		}

		if !IsRetryable(err) {
			state.Status = StatusFailed
			return err
		}

		state.Status = StatusRetrying
		wp.debugOut.Printf("[%s] chunk %d attempt %d failed: %v\n", wp.dlid, c.Index, state.Attempt+1, err)

		if state.Attempt == maxAttempts-1 {
			state.Status = StatusFailed
			return err
		}

		delay := jitteredBackoff(maxAttempts, backoffBase, backoffCap)[state.Attempt]
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			state.Status = StatusCanceled
			return newError(KindInterrupted, false, ctx.Err())
		}
	}

	state.Status = StatusFailed
	return fmt.Errorf("turbodl: chunk %d exhausted retries", c.Index)
}

// attempt issues exactly one ranged GET for the remaining bytes of c
// (start adjusted by state.BytesCompleted), streaming the body through a
// read buffer of minSubChunkBytes (each read yields at most that many
// bytes), depositing each read into the writer target and advancing
// progress counters as it goes. A known-size chunk whose body ends short
// of, or runs past, the chunk's length fails with RemoteError.
func (wp *workerPool) attempt(ctx context.Context, c Chunk, state *WorkerState) error {
	unknownSize := c.End == UnknownEnd
	start := c.Start + state.BytesCompleted

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wp.url, nil)
	if err != nil {
		return newError(KindInvalidURL, false, err)
	}
	applyHeaders(req, wp.headers)
	if !unknownSize {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, c.End))
	} else if start > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", start))
	}

	res, err := wp.client.Do(req)
	if err != nil {
		return newError(KindNetworkUnreachable, true, err)
	}
	defer res.Body.Close()

	singleWorker := wp.workerCount == 1
	okStatus := res.StatusCode == http.StatusPartialContent || (singleWorker && res.StatusCode == http.StatusOK)
	if !okStatus {
		return remoteError(res.StatusCode, fmt.Errorf("range fetch received %s", res.Status))
	}

	if err := wp.drainBody(ctx, res.Body, start, state); err != nil {
		return err
	}
	if !unknownSize && state.BytesCompleted != c.Len() {
		return newError(KindRemoteError, false, fmt.Errorf("chunk %d received %d bytes, expected %d", c.Index, state.BytesCompleted, c.Len()))
	}
	return nil
}

func (wp *workerPool) drainBody(ctx context.Context, body io.Reader, offset int64, state *WorkerState) error {
	buf := make([]byte, minSubChunkBytes)
	deadline := time.NewTimer(wp.inactivity)
	defer deadline.Stop()

	type readResult struct {
		n   int
		err error
	}

	var localBytes int64

	for {
		resultCh := make(chan readResult, 1)
		go func() {
			n, err := body.Read(buf)
			resultCh <- readResult{n, err}
		}()

		if !deadline.Stop() {
			select {
			case <-deadline.C:
			default:
			}
		}
		deadline.Reset(wp.inactivity)

		select {
		case <-ctx.Done():
			return newError(KindInterrupted, false, ctx.Err())
		case <-deadline.C:
			return newError(KindInactivityTimeout, true, fmt.Errorf("no bytes for %s", wp.inactivity))
		case r := <-resultCh:
			if r.n > 0 {
				chunkOffset := offset + localBytes
				data := make([]byte, r.n)
				copy(data, buf[:r.n])
				if err := wp.target.depositAt(chunkOffset, data); err != nil {
					return newError(KindIOError, false, err)
				}
				localBytes += int64(r.n)
				state.BytesCompleted += int64(r.n)
				received := wp.progressCounter.Add(int64(r.n))
				wp.sink.Observe(Event{
					Phase:         PhaseDownloading,
					TotalBytes:    wp.total,
					BytesReceived: received,
					SpeedBps:      wp.speed.sample(received),
					At:            time.Now(),
				})
			}
			if r.err == io.EOF {
				return nil
			}
			if r.err != nil {
				return newError(KindNetworkUnreachable, true, r.err)
			}
		}
	}
}
