package turbodl

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"log"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/cognusion/go-timings"
)

// RemoteFileInfo is the stable content plan the Probe derives for a URL
// before any bytes are fetched. See spec §3.
type RemoteFileInfo struct {
	URL            string // post-redirect, absolute
	Size           int64  // -1 means "unknown"
	Filename       string
	ContentType    string
	SupportsRanges bool
	ETag           string
	LastModified   string
}

// SizeUnknown is the sentinel RemoteFileInfo.Size takes when neither
// Content-Length nor Content-Range was present on any probe response.
const SizeUnknown int64 = -1

const maxRedirects = 10

// probe issues a HEAD (following redirects, capped at maxRedirects) and,
// if that fails to yield usable headers, falls back to a tiny ranged GET.
// It never consumes a response body beyond what's required to read headers.
func probe(ctx context.Context, client Client, rawURL string, headers map[string]string, timingsOut *log.Logger) (RemoteFileInfo, error) {
	defer timings.Track("probe", time.Now(), timingsOut)

	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return RemoteFileInfo{}, newError(KindInvalidURL, false, fmt.Errorf("invalid URL %q", rawURL))
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return RemoteFileInfo{}, newError(KindInvalidURL, false, fmt.Errorf("unsupported scheme %q", u.Scheme))
	}

	res, err := headRequest(ctx, client, rawURL, headers)
	if err != nil || !usableHeadResponse(res) {
		if res != nil {
			res.Body.Close()
		}
		res, err = rangeProbeRequest(ctx, client, rawURL, headers)
		if err != nil {
			return RemoteFileInfo{}, classifyNetworkErr(err)
		}
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusPartialContent {
		return RemoteFileInfo{}, remoteError(res.StatusCode, fmt.Errorf("probe received %s", res.Status))
	}

	info := RemoteFileInfo{
		URL:         res.Request.URL.String(),
		Size:        SizeUnknown,
		ContentType: res.Header.Get("Content-Type"),
		ETag:        res.Header.Get("ETag"),
		LastModified: res.Header.Get("Last-Modified"),
	}

	if size, ok := sizeFromHeaders(res); ok {
		info.Size = size
	}

	info.SupportsRanges = strings.Contains(strings.ToLower(res.Header.Get("Accept-Ranges")), "bytes") ||
		res.StatusCode == http.StatusPartialContent

	info.Filename = deriveFilename(res)

	if info.Size == SizeUnknown {
		return info, newError(KindUnidentifiedFileSize, false, fmt.Errorf("no Content-Length or Content-Range on %s", rawURL))
	}

	return info, nil
}

func headRequest(ctx context.Context, client Client, rawURL string, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return nil, err
	}
	applyHeaders(req, headers)
	return client.Do(req)
}

func rangeProbeRequest(ctx context.Context, client Client, rawURL string, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	applyHeaders(req, headers)
	req.Header.Set("Range", "bytes=0-0")
	res, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func usableHeadResponse(res *http.Response) bool {
	if res == nil {
		return false
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return false
	}
	_, ok := sizeFromHeaders(res)
	return ok
}

func sizeFromHeaders(res *http.Response) (int64, bool) {
	if cr := res.Header.Get("Content-Range"); cr != "" {
		// "bytes 0-0/12345" or "bytes */12345"
		if i := strings.LastIndex(cr, "/"); i != -1 && i+1 < len(cr) {
			if total, err := strconv.ParseInt(cr[i+1:], 10, 64); err == nil && total >= 0 {
				return total, true
			}
		}
	}
	if cl := res.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil && n >= 0 {
			return n, true
		}
	}
	return 0, false
}

// deriveFilename implements spec §4.A / §6's precedence: Content-Disposition
// (filename*/filename, UTF-8 preferred) → final-URL path segment
// (percent-decoded) → deterministic fallback.
func deriveFilename(res *http.Response) string {
	if cd := res.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			if fn := params["filename*"]; fn != "" {
				if name := decodeExtValue(fn); name != "" {
					return name
				}
			}
			if fn := params["filename"]; fn != "" {
				return fn
			}
		}
	}

	if res.Request != nil && res.Request.URL != nil {
		if seg := path.Base(res.Request.URL.Path); seg != "" && seg != "." && seg != "/" {
			if decoded, err := url.PathUnescape(seg); err == nil {
				return decoded
			}
			return seg
		}
	}

	return fallbackFilename(res.Request.URL.String())
}

// decodeExtValue decodes an RFC 5987/6266 ext-value, e.g. "UTF-8''%e2%82%ac".
func decodeExtValue(v string) string {
	parts := strings.SplitN(v, "'", 3)
	if len(parts) != 3 {
		return ""
	}
	decoded, err := url.QueryUnescape(parts[2])
	if err != nil {
		return ""
	}
	return decoded
}

func fallbackFilename(rawURL string) string {
	h := sha1.Sum([]byte(rawURL))
	return "download_" + hex.EncodeToString(h[:])[:12]
}

func applyHeaders(req *http.Request, headers map[string]string) {
	for k, v := range headers {
		req.Header.Set(k, v)
	}
}

func classifyNetworkErr(err error) error {
	return newError(KindNetworkUnreachable, true, err)
}
