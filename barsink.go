package turbodl

import (
	"sync"

	"github.com/cheggaaa/pb/v3"
)

// BarSink is the default Sink used when ShowProgress is true and the
// caller didn't supply one: a single cheggaaa/pb progress bar that tracks
// bytes received. This is the one concession the headless core makes to
// rendering, reinstating the teacher's v1 dependency on cheggaaa/pb/v3 now
// that progress is a typed Event rather than a bare chan int64.
type BarSink struct {
	mu      sync.Mutex
	bar     *pb.ProgressBar
	started bool
}

// NewBarSink constructs a BarSink. Callers that want to render their own
// bar (rather than rely on Options.ShowProgress) can pass one via
// Options.Sink and call Finish themselves once Download returns.
func NewBarSink() *BarSink {
	return &BarSink{}
}

func newBarSink() *BarSink {
	return NewBarSink()
}

func (s *BarSink) Observe(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		total := e.TotalBytes
		if total <= 0 {
			total = 0
		}
		s.bar = pb.StartNew(int(total))
		s.bar.Set(pb.Bytes, true)
		s.started = true
	}

	switch e.Phase {
	case PhaseDownloading:
		s.bar.SetCurrent(e.BytesReceived)
	case PhaseHashing:
		s.bar.SetCurrent(s.bar.Total())
	}
}

// Finish completes the underlying bar; callers that hold a *BarSink
// directly (e.g. the CLI collaborator) should call this after Download
// returns, successfully or not.
func (s *BarSink) Finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		s.bar.Finish()
	}
}
