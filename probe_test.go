package turbodl

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fortytw2/leaktest"
	. "github.com/smartystreets/goconvey/convey"
)

func discardLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func Test_Probe(t *testing.T) {
	defer leaktest.Check(t)()

	Convey("When a server answers HEAD with Content-Length and Accept-Ranges", t, func() {
		server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
			rw.Header().Set("Accept-Ranges", "bytes")
			rw.Header().Set("Content-Length", "42")
			rw.Header().Set("Content-Disposition", `attachment; filename="report.pdf"`)
			rw.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		info, err := probe(context.Background(), &http.Client{}, server.URL, nil, discardLogger())
		So(err, ShouldBeNil)
		So(info.Size, ShouldEqual, 42)
		So(info.SupportsRanges, ShouldBeTrue)
		So(info.Filename, ShouldEqual, "report.pdf")
	})

	Convey("When HEAD is rejected but a ranged GET succeeds", t, func() {
		server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
			if req.Method == http.MethodHead {
				rw.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			rw.Header().Set("Content-Range", "bytes 0-0/1024")
			rw.Header().Set("Accept-Ranges", "bytes")
			rw.WriteHeader(http.StatusPartialContent)
			rw.Write([]byte{0})
		}))
		defer server.Close()

		info, err := probe(context.Background(), &http.Client{}, server.URL, nil, discardLogger())
		So(err, ShouldBeNil)
		So(info.Size, ShouldEqual, 1024)
		So(info.SupportsRanges, ShouldBeTrue)
	})

	Convey("When neither probe reveals a size, UnidentifiedFileSize is returned", t, func() {
		server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
			rw.WriteHeader(http.StatusOK)
			// Flushing before Write forces chunked transfer, so the Go
			// server can't compute and inject a Content-Length header.
			rw.(http.Flusher).Flush()
			rw.Write([]byte("no length header"))
		}))
		defer server.Close()

		info, err := probe(context.Background(), &http.Client{}, server.URL, nil, discardLogger())
		So(err, ShouldNotBeNil)
		te, ok := err.(*Error)
		So(ok, ShouldBeTrue)
		So(te.Kind, ShouldEqual, KindUnidentifiedFileSize)
		So(info.Size, ShouldEqual, SizeUnknown)
	})

	Convey("When the remote returns 404, RemoteError is returned", t, func() {
		server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
			rw.WriteHeader(http.StatusNotFound)
		}))
		defer server.Close()

		_, err := probe(context.Background(), &http.Client{}, server.URL, nil, discardLogger())
		So(err, ShouldNotBeNil)
		te, ok := err.(*Error)
		So(ok, ShouldBeTrue)
		So(te.Kind, ShouldEqual, KindRemoteError)
		So(te.Status, ShouldEqual, 404)
	})

	Convey("An invalid URL is rejected before any request is made", t, func() {
		_, err := probe(context.Background(), &http.Client{}, "not-a-url", nil, discardLogger())
		So(err, ShouldNotBeNil)
		te, ok := err.(*Error)
		So(ok, ShouldBeTrue)
		So(te.Kind, ShouldEqual, KindInvalidURL)
	})
}

func Test_DeriveFilenameFallback(t *testing.T) {
	Convey("When no filename can be derived, fallbackFilename is deterministic", t, func() {
		a := fallbackFilename("https://example.com/x")
		b := fallbackFilename("https://example.com/x")
		c := fallbackFilename("https://example.com/y")
		So(a, ShouldEqual, b)
		So(a, ShouldNotEqual, c)
	})
}
