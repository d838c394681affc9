package network

import (
	"bufio"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
)

// Pooled decompression readers keep the poll loop from allocating a fresh
// decoder on every inbox listing.
var (
	gzipReaderPool = sync.Pool{
		New: func() interface{} {
			return new(gzip.Reader)
		},
	}

	brotliReaderPool = sync.Pool{
		New: func() interface{} {
			return brotli.NewReader(nil)
		},
	}
)

// emptyReader safely parks pooled readers between uses.
var emptyReader = strings.NewReader("")

func getGzipReader(r io.Reader) (*gzip.Reader, error) {
	zr := gzipReaderPool.Get().(*gzip.Reader)
	if err := zr.Reset(r); err != nil {
		gzipReaderPool.Put(zr)
		return nil, err
	}
	return zr, nil
}

func putGzipReader(zr *gzip.Reader) {
	if zr == nil {
		return
	}
	_ = zr.Reset(emptyReader)
	gzipReaderPool.Put(zr)
}

func getBrotliReader(r io.Reader) (*brotli.Reader, error) {
	br := brotliReaderPool.Get().(*brotli.Reader)
	if err := br.Reset(r); err != nil {
		brotliReaderPool.Put(br)
		return nil, err
	}
	return br, nil
}

func putBrotliReader(br *brotli.Reader) {
	if br == nil {
		return
	}
	_ = br.Reset(emptyReader)
	brotliReaderPool.Put(br)
}

// CompressionMiddleware is an http.RoundTripper that negotiates compression
// on outgoing requests and transparently decompresses responses. It supports
// brotli, gzip and deflate (both zlib-wrapped and raw streams).
type CompressionMiddleware struct {
	Transport http.RoundTripper
}

// NewCompressionMiddleware wraps transport; nil falls back to
// http.DefaultTransport.
func NewCompressionMiddleware(transport http.RoundTripper) *CompressionMiddleware {
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &CompressionMiddleware{Transport: transport}
}

// RoundTrip implements http.RoundTripper.
func (cm *CompressionMiddleware) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", "br, gzip, deflate, identity")
	}

	resp, err := cm.Transport.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	if err := DecompressResponse(resp); err != nil {
		// The body may be partially consumed at this point; the response is
		// unusable.
		_ = resp.Body.Close()
		return nil, fmt.Errorf("failed to initialize response decompression: %w", err)
	}
	return resp, nil
}

// closeWrapper closes the decompression layer, returns any pooled reader, and
// closes the wrapped body underneath it.
type closeWrapper struct {
	io.ReadCloser
	originalBody io.ReadCloser
	poolCallback func()
}

func (w *closeWrapper) Close() error {
	if w.poolCallback != nil {
		w.poolCallback()
		w.poolCallback = nil
	}
	err1 := w.ReadCloser.Close()
	err2 := w.originalBody.Close()
	return errors.Join(err1, err2)
}

// DecompressResponse wraps resp.Body with decoders for every applied
// Content-Encoding, outermost first. On success it strips Content-Encoding
// and Content-Length and marks the response uncompressed. On error the body
// must be treated as corrupted and discarded by the caller.
func DecompressResponse(resp *http.Response) error {
	if resp == nil || resp.Body == nil {
		return nil
	}

	encodings := resp.Header.Values("Content-Encoding")
	if len(encodings) == 0 {
		return nil
	}

	body := resp.Body
	// Encodings are listed in application order; decode in reverse.
	for i := len(encodings) - 1; i >= 0; i-- {
		encoding := strings.ToLower(strings.TrimSpace(encodings[i]))

		switch encoding {
		case "", "identity":
			continue
		case "gzip":
			zr, err := getGzipReader(body)
			if err != nil {
				return fmt.Errorf("gzip: %w", err)
			}
			zrRef := zr
			body = &closeWrapper{
				ReadCloser:   io.NopCloser(zr),
				originalBody: body,
				poolCallback: func() { putGzipReader(zrRef) },
			}
		case "br":
			br, err := getBrotliReader(body)
			if err != nil {
				return fmt.Errorf("brotli: %w", err)
			}
			brRef := br
			body = &closeWrapper{
				ReadCloser:   io.NopCloser(br),
				originalBody: body,
				poolCallback: func() { putBrotliReader(brRef) },
			}
		case "deflate":
			reader, err := newDeflateReader(body)
			if err != nil {
				return fmt.Errorf("deflate: %w", err)
			}
			body = &closeWrapper{
				ReadCloser:   reader,
				originalBody: body,
			}
		default:
			return fmt.Errorf("unsupported content encoding: %q", encoding)
		}
	}

	resp.Body = body
	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	resp.Uncompressed = true
	return nil
}

// newDeflateReader distinguishes zlib-wrapped streams from raw deflate, which
// some servers send despite the spec requiring the former.
func newDeflateReader(r io.Reader) (io.ReadCloser, error) {
	br := bufio.NewReader(r)
	header, err := br.Peek(2)
	if err == nil && len(header) == 2 && isZlibHeader(header[0], header[1]) {
		return zlib.NewReader(br)
	}
	return flate.NewReader(br), nil
}

// isZlibHeader applies the RFC 1950 check: deflate method plus a valid FCHECK.
func isZlibHeader(cmf, flg byte) bool {
	if cmf&0x0f != 8 {
		return false
	}
	return (uint16(cmf)<<8|uint16(flg))%31 == 0
}
