package turbodl

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/cognusion/semaphore"
	"github.com/fortytw2/leaktest"
	. "github.com/smartystreets/goconvey/convey"
	"go.uber.org/atomic"
)

// memTarget is a writerTarget backed by a plain byte slice, for assembling
// and inspecting what a workerPool wrote without touching the filesystem.
type memTarget struct {
	mu   sync.Mutex
	data []byte
}

func (t *memTarget) depositAt(offset int64, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	need := offset + int64(len(data))
	if int64(len(t.data)) < need {
		grown := make([]byte, need)
		copy(grown, t.data)
		t.data = grown
	}
	copy(t.data[offset:], data)
	return nil
}

func (t *memTarget) bytes() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]byte, len(t.data))
	copy(out, t.data)
	return out
}

func newTestPool(target writerTarget, total int64, workerCount int) *workerPool {
	return &workerPool{
		client:          &http.Client{},
		headers:         map[string]string{},
		target:          target,
		inactivity:      2 * time.Second,
		debugOut:        discardLogger(),
		timingsOut:      discardLogger(),
		dlid:            "test",
		workerCount:     workerCount,
		progressCounter: atomic.NewInt64(0),
		speed:           newSpeedTracker(),
		sink:            DiscardSink,
		total:           total,
	}
}

func Test_WorkerPoolRun(t *testing.T) {
	defer leaktest.Check(t)()

	Convey("Given a server that supports ranges", t, func() {
		payload := []byte("the quick brown fox jumps over the lazy dog, thirteen times over")
		server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
			http.ServeContent(rw, req, "f", time.Time{}, bytes.NewReader(payload))
		}))
		defer server.Close()

		target := &memTarget{}
		wp := newTestPool(target, int64(len(payload)), 4)
		wp.url = server.URL

		chunks, err := partition(int64(len(payload)), 4)
		So(err, ShouldBeNil)

		sem := semaphore.NewSemaphore(4)
		err = wp.run(context.Background(), chunks, sem)
		So(err, ShouldBeNil)
		So(target.bytes(), ShouldResemble, payload)
		So(wp.progressCounter.Load(), ShouldEqual, int64(len(payload)))
	})

	Convey("Given a single worker and a server that ignores Range and returns 200", t, func() {
		payload := []byte("short body, no ranges here")
		server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
			rw.Write(payload)
		}))
		defer server.Close()

		target := &memTarget{}
		wp := newTestPool(target, int64(len(payload)), 1)
		wp.url = server.URL

		chunks := []Chunk{{Index: 0, Start: 0, End: int64(len(payload) - 1)}}
		sem := semaphore.NewSemaphore(1)
		err := wp.run(context.Background(), chunks, sem)
		So(err, ShouldBeNil)
		So(target.bytes(), ShouldResemble, payload)
	})

	Convey("Given a multi-worker plan whose server ignores Range and returns 200 for chunk 0, the fetch fails instead of silently consuming the whole body", t, func() {
		payload := []byte("0123456789abcdefghijklmnopqrstuvwxyz")
		server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
			// Ignores the Range header entirely, unlike a real
			// ranges-capable server.
			rw.WriteHeader(http.StatusOK)
			rw.Write(payload)
		}))
		defer server.Close()

		target := &memTarget{}
		wp := newTestPool(target, int64(len(payload)), 4)
		wp.url = server.URL

		chunks, err := partition(int64(len(payload)), 4)
		So(err, ShouldBeNil)
		So(len(chunks), ShouldEqual, 4)

		sem := semaphore.NewSemaphore(4)
		err = wp.run(context.Background(), chunks, sem)
		So(err, ShouldNotBeNil)
	})

	Convey("Given a chunk whose server drops the connection partway, it retries and resumes", t, func() {
		payload := []byte("0123456789abcdefghijklmnopqrstuvwxyz")
		var calls int
		server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
			calls++
			if calls == 1 {
				// Serve half the range then cut the connection.
				rw.Header().Set("Content-Range", "bytes 0-35/36")
				rw.Header().Set("Content-Length", "36")
				rw.WriteHeader(http.StatusPartialContent)
				rw.Write(payload[:18])
				if hj, ok := rw.(http.Hijacker); ok {
					conn, _, _ := hj.Hijack()
					conn.Close()
				}
				return
			}
			http.ServeContent(rw, req, "f", time.Time{}, bytes.NewReader(payload))
		}))
		defer server.Close()

		target := &memTarget{}
		wp := newTestPool(target, int64(len(payload)), 1)
		wp.url = server.URL

		chunks := []Chunk{{Index: 0, Start: 0, End: int64(len(payload) - 1)}}
		sem := semaphore.NewSemaphore(1)
		err := wp.run(context.Background(), chunks, sem)
		So(err, ShouldBeNil)
		So(target.bytes(), ShouldResemble, payload)
		So(calls, ShouldBeGreaterThanOrEqualTo, 2)
	})

	Convey("Given a canceled context, chunks abort promptly", t, func() {
		blocked := make(chan struct{})
		server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
			<-blocked
		}))
		defer func() {
			close(blocked)
			server.Close()
		}()

		target := &memTarget{}
		wp := newTestPool(target, 100, 1)
		wp.url = server.URL
		wp.inactivity = 5 * time.Second

		chunks := []Chunk{{Index: 0, Start: 0, End: 99}}
		sem := semaphore.NewSemaphore(1)

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(20 * time.Millisecond)
			cancel()
		}()

		err := wp.run(ctx, chunks, sem)
		So(err, ShouldNotBeNil)
	})
}

func Test_EmptyChunkShortCircuits(t *testing.T) {
	Convey("A chunk representing an empty file does nothing", t, func() {
		wp := newTestPool(&memTarget{}, 0, 1)
		err := wp.runChunk(context.Background(), Chunk{Index: 0, Start: 0, End: -1})
		So(err, ShouldBeNil)
	})
}
