package docserver

import (
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// errDecompressedTooLarge is returned once a gzip body inflates past the limit.
var errDecompressedTooLarge = stderrors.New("decompressed data exceeds maximum size limit")

// errUnsupportedMedia marks bodies that are neither JSON nor gzip-encoded JSON.
var errUnsupportedMedia = stderrors.New("unsupported media type")

// readBody reads the request body, enforcing the compressed and decompressed
// limits of opts.
func readBody(w http.ResponseWriter, r *http.Request, opts *ServerOptions) ([]byte, error) {
	ct := r.Header.Get("Content-Type")
	if ct != "" && !strings.HasPrefix(ct, "application/json") {
		return nil, fmt.Errorf("%w: %s", errUnsupportedMedia, ct)
	}
	if r.ContentLength > opts.MaxRequestSize {
		return nil, &http.MaxBytesError{Limit: opts.MaxRequestSize}
	}
	limited := http.MaxBytesReader(w, r.Body, opts.MaxRequestSize)

	switch enc := strings.ToLower(strings.TrimSpace(r.Header.Get("Content-Encoding"))); enc {
	case "":
		return io.ReadAll(limited)
	case "gzip":
		zr, err := gzip.NewReader(limited)
		if err != nil {
			return nil, fmt.Errorf("invalid gzip data: %w", err)
		}
		defer zr.Close()
		data, err := io.ReadAll(io.LimitReader(zr, opts.MaxDecompressedSize+1))
		if err != nil {
			return nil, err
		}
		if int64(len(data)) > opts.MaxDecompressedSize {
			return nil, errDecompressedTooLarge
		}
		return data, nil
	default:
		return nil, fmt.Errorf("%w: content encoding %s", errUnsupportedMedia, enc)
	}
}

// bodyStatus maps a readBody failure to its HTTP status.
func bodyStatus(err error) int {
	var maxErr *http.MaxBytesError
	switch {
	case stderrors.Is(err, errDecompressedTooLarge), stderrors.As(err, &maxErr):
		return http.StatusRequestEntityTooLarge
	case stderrors.Is(err, errUnsupportedMedia):
		return http.StatusUnsupportedMediaType
	default:
		return http.StatusBadRequest
	}
}
