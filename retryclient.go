package turbodl

import (
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"github.com/eapache/go-resiliency/retrier"
)

// ErrStatusNope marks a response status as non-retryable; RetryClient's Do
// returns it, without retrying, when it receives such a status.
var ErrStatusNope error = errors.New("non-retriable HTTP status received")

// RetryClient wraps an *http.Client with the retry/backoff policy used for
// single-shot requests (the probe's HEAD and head-fake GET). Per-chunk
// fetches use their own retry loop in worker.go because they must resume
// from bytes_completed rather than re-issue the original request.
type RetryClient struct {
	client  *http.Client
	retrier *retrier.Retrier
}

// NewRetryClient returns a RetryClient using the spec's backoff policy:
// exponential with jitter, base 500ms, capped at 30s, up to maxAttempts tries.
func NewRetryClient(transport *http.Transport, maxAttempts int) *RetryClient {
	b := make(retrier.BlacklistClassifier, 1)
	b[0] = ErrStatusNope

	// The retrier makes one try plus one retry per backoff entry.
	var schedule []time.Duration
	if maxAttempts > 1 {
		schedule = jitteredBackoff(maxAttempts-1, backoffBase, backoffCap)
	}

	return &RetryClient{
		client: &http.Client{Transport: transport},
		retrier: retrier.New(schedule, b),
	}
}

// Do takes a Request, and returns a Response or an error, following the
// rules of the RetryClient. Non-2xx/206 responses are classified via the
// kind table in errors.go and only retried when that table marks them retryable.
func (w *RetryClient) Do(req *http.Request) (*http.Response, error) {
	var ret *http.Response

	try := func() error {
		resp, tryErr := w.client.Do(req)
		if tryErr != nil {
			return tryErr
		}

		if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusPartialContent {
			ret = resp
			return nil
		}

		rerr := remoteError(resp.StatusCode, fmt.Errorf("non 2xx/206 HTTP status received: %s", resp.Status))
		resp.Body.Close()
		if !rerr.Retryable() {
			return ErrStatusNope
		}
		return rerr
	}

	if err := w.retrier.Run(try); err != nil {
		if errors.Is(err, ErrStatusNope) {
			return nil, err
		}
		return nil, err
	}
	return ret, nil
}

const (
	backoffBase       = 500 * time.Millisecond
	backoffCap        = 30 * time.Second
	backoffJitterFrac = 0.3
)

// jitteredBackoff builds the delay schedule spec §4.D describes:
// delay_k = min( base * 2^(k-1) * (1 + U(0, jitterFrac)), cap )
func jitteredBackoff(attempts int, base, cap time.Duration) []time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	schedule := make([]time.Duration, attempts)
	for k := 0; k < attempts; k++ {
		raw := float64(base) * float64(uint64(1)<<uint(k)) * (1 + rand.Float64()*backoffJitterFrac)
		d := time.Duration(raw)
		if d > cap {
			d = cap
		}
		schedule[k] = d
	}
	return schedule
}
