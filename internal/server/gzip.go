package server

import (
	"compress/gzip"
	"net/http"
	"strings"
)

const defaultGzipMinSize = 512

// gzipWriter holds the response back until it has seen minSize bytes (or the
// handler returns) and only then decides whether to compress. Small JSON
// answers such as health checks go out as is.
type gzipWriter struct {
	http.ResponseWriter
	minSize  int
	status   int
	buf      []byte
	zw       *gzip.Writer
	decided  bool
	compress bool
}

func (g *gzipWriter) WriteHeader(code int) {
	if g.status == 0 && !g.decided {
		g.status = code
	}
}

func (g *gzipWriter) Write(b []byte) (int, error) {
	if g.status == 0 {
		g.status = http.StatusOK
	}
	if g.decided {
		if g.compress {
			return g.zw.Write(b)
		}
		return g.ResponseWriter.Write(b)
	}
	g.buf = append(g.buf, b...)
	if len(g.buf) >= g.minSize {
		if err := g.decide(true); err != nil {
			return 0, err
		}
	}
	return len(b), nil
}

// decide sends the header and any buffered bytes.
func (g *gzipWriter) decide(large bool) error {
	g.decided = true
	h := g.ResponseWriter.Header()
	g.compress = large && compressible(h, g.status)
	if g.compress {
		h.Set("Content-Encoding", "gzip")
		h.Del("Content-Length")
		g.zw = gzip.NewWriter(g.ResponseWriter)
	}
	g.ResponseWriter.WriteHeader(g.status)
	if len(g.buf) == 0 {
		return nil
	}
	var err error
	if g.compress {
		_, err = g.zw.Write(g.buf)
	} else {
		_, err = g.ResponseWriter.Write(g.buf)
	}
	g.buf = nil
	return err
}

func (g *gzipWriter) Flush() {
	if !g.decided && g.status != 0 {
		_ = g.decide(true)
	}
	if g.zw != nil {
		_ = g.zw.Flush()
	}
	if flusher, ok := g.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (g *gzipWriter) Close() error {
	if !g.decided {
		if g.status == 0 {
			return nil
		}
		if err := g.decide(false); err != nil {
			return err
		}
	}
	if g.zw != nil {
		return g.zw.Close()
	}
	return nil
}

func withGzip(minSize int, next http.Handler) http.Handler {
	if minSize <= 0 {
		minSize = defaultGzipMinSize
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead || !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Add("Vary", "Accept-Encoding")
		gw := &gzipWriter{ResponseWriter: w, minSize: minSize}
		defer func() { _ = gw.Close() }()
		next.ServeHTTP(gw, r)
	})
}

func compressible(h http.Header, status int) bool {
	if status < http.StatusOK || status == http.StatusNoContent || status == http.StatusNotModified {
		return false
	}
	if h.Get("Content-Encoding") != "" {
		return false
	}
	ct := strings.ToLower(h.Get("Content-Type"))
	return ct == "" || strings.HasPrefix(ct, "application/json") || strings.HasPrefix(ct, "text/")
}
