package server

import (
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
)

// CompressionConfig toggles response compression negotiated via
// Accept-Encoding. Algorithms enables encodings ("br", "gzip"); the order
// of the list is not used, and br is preferred over gzip whenever the
// client accepts both.
type CompressionConfig struct {
	Enabled    bool
	Algorithms []string
}

type compressionResponseWriter struct {
	io.Writer
	http.ResponseWriter
}

func (w compressionResponseWriter) Write(b []byte) (int, error) {
	return w.Writer.Write(b)
}

// CompressionMiddleware wraps next, encoding its response body with br if
// it is enabled and accepted, otherwise with gzip (klauspost's faster
// implementation of the stdlib API) if it is enabled and accepted.
func CompressionMiddleware(next http.Handler, algorithms []string) http.Handler {
	enabled := make(map[string]bool, len(algorithms))
	for _, alg := range algorithms {
		enabled[strings.TrimSpace(alg)] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		acceptEncoding := r.Header.Get("Accept-Encoding")

		if enabled["br"] && strings.Contains(acceptEncoding, "br") {
			w.Header().Set("Content-Encoding", "br")
			w.Header().Add("Vary", "Accept-Encoding")
			bw := brotli.NewWriter(w)
			defer bw.Close()
			next.ServeHTTP(compressionResponseWriter{Writer: bw, ResponseWriter: w}, r)
			return
		}

		if enabled["gzip"] && strings.Contains(acceptEncoding, "gzip") {
			w.Header().Set("Content-Encoding", "gzip")
			w.Header().Add("Vary", "Accept-Encoding")
			gz := gzip.NewWriter(w)
			defer gz.Close()
			next.ServeHTTP(compressionResponseWriter{Writer: gz, ResponseWriter: w}, r)
			return
		}

		next.ServeHTTP(w, r)
	})
}
