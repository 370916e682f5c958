package middleware

import (
	"mime"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/gin-gonic/gin"
)

// CompressionConfig tunes Brotli response compression. Bodies shorter than
// MinLength go out as is.
type CompressionConfig struct {
	Quality   int
	MinLength int
}

var DefaultCompressionConfig = CompressionConfig{
	Quality:   brotli.DefaultCompression,
	MinLength: 1024,
}

var compressibleTypes = map[string]struct{}{
	"application/json": {},
	"text/plain":       {},
	"text/html":        {},
}

// Compress brotli-encodes the responses of the route group it is mounted on
// when the client accepts br. Only JSON and text bodies are compressed, so
// event streams and pre-encoded bodies pass through.
func Compress(cfg CompressionConfig) gin.HandlerFunc {
	if cfg.Quality < brotli.BestSpeed || cfg.Quality > brotli.BestCompression {
		cfg.Quality = DefaultCompressionConfig.Quality
	}
	if cfg.MinLength <= 0 {
		cfg.MinLength = DefaultCompressionConfig.MinLength
	}

	return func(c *gin.Context) {
		if !acceptsBrotli(c.Request) {
			c.Next()
			return
		}
		c.Header("Vary", "Accept-Encoding")

		cw := &compressWriter{ResponseWriter: c.Writer, cfg: cfg}
		c.Writer = cw
		defer func() {
			if err := cw.finish(); err != nil {
				_ = c.Error(err)
			}
		}()
		c.Next()
	}
}

// compressWriter holds the body back until it knows whether compressing it
// pays off, then commits to one encoding for the rest of the response.
type compressWriter struct {
	gin.ResponseWriter
	cfg     CompressionConfig
	buf     []byte
	decided bool
	br      *brotli.Writer
}

func (w *compressWriter) Write(data []byte) (int, error) {
	if w.decided {
		if w.br != nil {
			return w.br.Write(data)
		}
		return w.ResponseWriter.Write(data)
	}

	w.buf = append(w.buf, data...)
	if len(w.buf) < w.cfg.MinLength {
		return len(data), nil
	}
	if err := w.decide(true); err != nil {
		return 0, err
	}
	return len(data), nil
}

func (w *compressWriter) WriteString(s string) (int, error) {
	return w.Write([]byte(s))
}

// Flush commits to the current decision so streamed bytes are not held back.
func (w *compressWriter) Flush() {
	if !w.decided {
		_ = w.decide(false)
	}
	if w.br != nil {
		_ = w.br.Flush()
	}
	w.ResponseWriter.Flush()
}

func (w *compressWriter) decide(large bool) error {
	w.decided = true
	buf := w.buf
	w.buf = nil

	h := w.ResponseWriter.Header()
	if large && h.Get("Content-Encoding") == "" && compressible(h.Get("Content-Type")) {
		h.Set("Content-Encoding", "br")
		h.Del("Content-Length")
		w.br = brotli.NewWriterLevel(w.ResponseWriter, w.cfg.Quality)
		_, err := w.br.Write(buf)
		return err
	}
	if len(buf) == 0 {
		return nil
	}
	_, err := w.ResponseWriter.Write(buf)
	return err
}

func (w *compressWriter) finish() error {
	if !w.decided {
		if len(w.buf) == 0 {
			return nil
		}
		return w.decide(false)
	}
	if w.br != nil {
		return w.br.Close()
	}
	return nil
}

func compressible(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	_, ok := compressibleTypes[mediaType]
	return ok
}

func acceptsBrotli(r *http.Request) bool {
	for _, enc := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		name, _, _ := strings.Cut(strings.TrimSpace(enc), ";")
		if strings.EqualFold(name, "br") {
			return true
		}
	}
	return false
}
