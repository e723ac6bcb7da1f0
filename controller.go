package turbodl

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/cognusion/go-sequence"
	"github.com/cognusion/go-timings"
	"github.com/cognusion/semaphore"
	"go.uber.org/atomic"
)

var seq = sequence.New(0)

// UserAgent is the stable identifier sent when the caller doesn't override it.
const UserAgent = "turbodl/1.0"

// Options is the complete set of caller-facing knobs for Download, spec §6.
type Options struct {
	// MaxConnections is 0 for "auto", or an explicit 1..24.
	MaxConnections int
	// ConnectionSpeedMbps defaults to 80 when zero.
	ConnectionSpeedMbps float64
	PreAllocateSpace    bool
	UseRAMBuffer        RAMBufferMode
	Overwrite           bool
	Headers             map[string]string
	// TimeoutSeconds is the job-level deadline; 0 means none.
	TimeoutSeconds int
	// InactivityTimeoutSeconds defaults to 120 when zero.
	InactivityTimeoutSeconds int
	ExpectedHash             string
	HashType                 HashType
	ShowProgress             bool
	Sink                     Sink

	TimingsOut *log.Logger
	DebugOut   *log.Logger
}

// WithDefaults returns a copy of o with spec §6's documented defaults
// applied to zero-valued fields. Boolean fields (PreAllocateSpace,
// Overwrite, ShowProgress) are left as given, since false is their zero value.
func (o Options) WithDefaults() Options {
	if o.ConnectionSpeedMbps <= 0 {
		o.ConnectionSpeedMbps = 80
	}
	if o.InactivityTimeoutSeconds <= 0 {
		o.InactivityTimeoutSeconds = 120
	}
	if o.HashType == "" {
		o.HashType = HashMD5
	}
	if o.Headers == nil {
		o.Headers = map[string]string{}
	}
	if _, ok := o.Headers["User-Agent"]; !ok {
		o.Headers["User-Agent"] = UserAgent
	}
	if _, ok := o.Headers["Accept"]; !ok {
		o.Headers["Accept"] = "*/*"
	}
	if _, ok := o.Headers["Accept-Encoding"]; !ok {
		o.Headers["Accept-Encoding"] = "identity"
	}
	if o.TimingsOut == nil {
		o.TimingsOut = log.New(io.Discard, "", 0)
	}
	if o.DebugOut == nil {
		o.DebugOut = log.New(io.Discard, "", 0)
	}
	if o.Sink == nil {
		if o.ShowProgress {
			o.Sink = newBarSink()
		} else {
			o.Sink = DiscardSink
		}
	}
	return o
}

// Download fetches url into a file at outputPath (or, if outputPath names
// an existing directory, into a derived filename within it), and returns
// the final on-disk path. See spec §6 for the full external interface.
func Download(ctx context.Context, url, outputPath string, opts Options) (string, error) {
	opts = opts.WithDefaults()
	dlid := seq.NextHashID()

	defer timings.Track(fmt.Sprintf("[%s] Download", dlid), time.Now(), opts.TimingsOut)

	if opts.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(opts.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	transport := newSharedTransport(defaultConnectTimeout)
	retryClient := NewRetryClient(transport, maxAttempts)
	retryClient.client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return fmt.Errorf("stopped after %d redirects", maxRedirects)
		}
		return nil
	}

	opts.DebugOut.Printf("[%s] probing %s\n", dlid, url)
	info, err := probe(ctx, retryClient, url, opts.Headers, opts.TimingsOut)
	if err != nil {
		te, ok := err.(*Error)
		if !ok || te.Kind != KindUnidentifiedFileSize {
			if ctx.Err() != nil && opts.TimeoutSeconds > 0 {
				return "", newError(KindJobTimeout, false, ctx.Err())
			}
			return "", err
		}
		// UnidentifiedFileSize forces a single-worker plan; info is still usable.
	}

	destPath, err := resolveDestPath(outputPath, info.Filename)
	if err != nil {
		return "", newError(KindIOError, false, err)
	}

	ramBacked := isRAMBacked(destPath)
	plan, err := BuildPlan(info, opts, ramBacked)
	if err != nil {
		return "", err
	}

	sentinelPath := sentinelPathFor(destPath)
	opts.DebugOut.Printf("[%s] plan: workers=%d chunks=%d ram_buffer=%v\n", dlid, plan.WorkerCount, len(plan.Chunks), plan.UseRAMBuffer)
	if n := len(plan.Chunks); n > 1 && plan.Chunks[n-1].Len() != plan.Chunks[0].Len() {
		opts.DebugOut.Printf("[%s] gap: last chunk is %d bytes, the others %d\n", dlid, plan.Chunks[n-1].Len(), plan.Chunks[0].Len())
	}

	// Chunk fetches dial with the plan's own ConnectTimeout rather than the
	// probe's default; the probe ran before a plan existed.
	workerTransport := newSharedTransport(time.Duration(plan.ConnectTimeout) * time.Second)
	workerClient := &http.Client{Transport: workerTransport}

	out, err := prepareOutputFile(sentinelPath, info.Size, plan.PreAllocate)
	if err != nil {
		return "", err
	}
	defer out.Close()

	progressCounter := atomic.NewInt64(0)
	writtenCounter := atomic.NewInt64(0)
	speed := newSpeedTracker()

	var runErr error
	if plan.UseRAMBuffer {
		avg := int64(4 << 20) // default average chunk size when size is unknown or empty
		if info.Size > 0 {
			avg = info.Size / int64(max(plan.WorkerCount, 1))
		}
		total, memErr := freeMemory()
		if memErr != nil {
			opts.DebugOut.Printf("[%s] free memory probe failed, using 1GiB fallback: %v\n", dlid, memErr)
		}
		capacity := BufferCapacity(avg, total)
		buf := NewChunkBuffer(capacity, 0)

		wp := &workerPool{
			client:          workerClient,
			url:             info.URL,
			headers:         opts.Headers,
			target:          bufferTarget{buf: buf},
			inactivity:      time.Duration(opts.InactivityTimeoutSeconds) * time.Second,
			debugOut:        opts.DebugOut,
			timingsOut:      opts.TimingsOut,
			dlid:            dlid,
			workerCount:     plan.WorkerCount,
			progressCounter: progressCounter,
			speed:           speed,
			sink:            opts.Sink,
			total:           info.Size,
		}

		sem := semaphore.NewSemaphore(plan.WorkerCount)

		writerDone := make(chan error, 1)
		go func() {
			writerDone <- runWriter(buf, out, opts.Sink, progressCounter.Load, info.Size)
		}()

		runErr = wp.run(ctx, plan.Chunks, sem)
		buf.CloseInput()
		if werr := <-writerDone; werr != nil && runErr == nil {
			runErr = werr
		}
		writtenCounter.Store(buf.HeadOffset())
	} else {
		wp := &workerPool{
			client:          workerClient,
			url:             info.URL,
			headers:         opts.Headers,
			target:          fileTarget{w: out},
			inactivity:      time.Duration(opts.InactivityTimeoutSeconds) * time.Second,
			debugOut:        opts.DebugOut,
			timingsOut:      opts.TimingsOut,
			dlid:            dlid,
			workerCount:     plan.WorkerCount,
			progressCounter: progressCounter,
			speed:           speed,
			sink:            opts.Sink,
			total:           info.Size,
		}
		sem := semaphore.NewSemaphore(plan.WorkerCount)
		runErr = wp.run(ctx, plan.Chunks, sem)
		writtenCounter.Store(progressCounter.Load())
	}

	if runErr != nil {
		// Sentinel file is left in place on non-fatal errors, per spec §9.
		if ctx.Err() != nil && opts.TimeoutSeconds > 0 {
			return "", newError(KindJobTimeout, false, ctx.Err())
		}
		return "", runErr
	}

	if info.Size != SizeUnknown && progressCounter.Load() != info.Size {
		return "", newError(KindRemoteError, false, fmt.Errorf("received %d bytes, expected %d", progressCounter.Load(), info.Size))
	}

	if err := out.Close(); err != nil {
		return "", newError(KindIOError, false, err)
	}

	opts.Sink.Observe(Event{
		Phase:         PhaseHashing,
		TotalBytes:    info.Size,
		BytesReceived: progressCounter.Load(),
		BytesWritten:  writtenCounter.Load(),
	})

	finalPath, err := finalize(sentinelPath, destPath, opts.ExpectedHash, opts.HashType, opts.Overwrite, opts.TimingsOut)
	if err != nil {
		return "", err
	}

	opts.DebugOut.Printf("[%s] complete: %s\n", dlid, finalPath)
	return finalPath, nil
}

func resolveDestPath(outputPath, probedFilename string) (string, error) {
	fi, err := os.Stat(outputPath)
	if err == nil && fi.IsDir() {
		name := probedFilename
		if name == "" {
			name = fallbackFilename(outputPath)
		}
		return outputPath + string(os.PathSeparator) + name, nil
	}
	if err != nil && !os.IsNotExist(err) {
		return "", err
	}
	return outputPath, nil
}
