package esi

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/andybalholm/brotli"
	"golang.org/x/net/html/charset"
)

// DefaultMaxBodyBytes caps a single fragment body after decompression.
const DefaultMaxBodyBytes int64 = 10 << 20

const acceptEncoding = "gzip, deflate, br"

// readBody decompresses, size-checks and transcodes a fragment body to UTF-8.
func readBody(resp *http.Response, limit int64) (string, error) {
	r, err := decompress(resp.Body, resp.Header.Get("Content-Encoding"))
	if err != nil {
		return "", &Error{Type: ErrorTypeDecode, Message: "failed to decode fragment body", Cause: err}
	}
	defer r.Close()

	if limit <= 0 {
		limit = DefaultMaxBodyBytes
	}
	raw, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return "", &Error{Type: classifyTransportError(err), Message: "failed to read fragment body", Cause: err}
	}
	if int64(len(raw)) > limit {
		return "", &Error{
			Type:    ErrorTypeBodyTooLarge,
			Message: fmt.Sprintf("fragment body exceeds %d bytes", limit),
		}
	}

	return toUTF8(raw, resp.Header.Get("Content-Type"))
}

// decompress wraps body in a decoder for encoding. Closing the result does
// not close body.
func decompress(body io.Reader, encoding string) (io.ReadCloser, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return io.NopCloser(body), nil
	case "gzip", "x-gzip":
		return gzip.NewReader(body)
	case "deflate":
		return zlib.NewReader(body)
	case "br":
		return io.NopCloser(brotli.NewReader(body)), nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}
}

func toUTF8(raw []byte, contentType string) (string, error) {
	if utf8.Valid(raw) && !declaresForeignCharset(contentType) {
		return string(raw), nil
	}

	r, err := charset.NewReader(bytes.NewReader(raw), contentType)
	if err != nil {
		return "", &Error{Type: ErrorTypeDecode, Message: "unsupported fragment charset", Cause: err}
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return "", &Error{Type: ErrorTypeDecode, Message: "failed to transcode fragment body", Cause: err}
	}
	return string(out), nil
}

func declaresForeignCharset(contentType string) bool {
	if contentType == "" {
		return false
	}
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	cs := strings.ToLower(params["charset"])
	return cs != "" && cs != "utf-8" && cs != "utf8" && cs != "us-ascii"
}
