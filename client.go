package turbodl

import (
	"net"
	"net/http"
	"time"
)

// Client is an interface that could refer to an http.Client or a turbodl.RetryClient.
type Client interface {
	Do(*http.Request) (*http.Response, error)
}

// defaultConnectTimeout bounds dial time for the probe's transport, built
// before a DownloadPlan (and its own ConnectTimeout) exists.
const defaultConnectTimeout = 10 * time.Second

// newSharedTransport returns a connection-pooled, keep-alive http.Transport
// with HTTP/2 negotiation left to the runtime default (enabled when the
// server offers it via ALPN), and a DialContext bounded by connectTimeout
// (spec §3/§5's per-request connect timeout). One Transport, and the
// *http.Client built on it, is shared across every worker of a single job;
// the probe uses its own instance built with defaultConnectTimeout since it
// runs before a DownloadPlan.ConnectTimeout is known.
func newSharedTransport(connectTimeout time.Duration) *http.Transport {
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	t := http.DefaultTransport.(*http.Transport).Clone()
	dialer := &net.Dialer{Timeout: connectTimeout, KeepAlive: 30 * time.Second}
	t.DialContext = dialer.DialContext
	t.MaxIdleConns = 100
	t.MaxIdleConnsPerHost = 32
	t.IdleConnTimeout = 90 * time.Second
	t.DisableKeepAlives = false
	return t
}
