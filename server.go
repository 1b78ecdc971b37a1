package resolver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"regexp"
	"strconv"
	"time"
)

// DefaultServerHost is the address AssetServer binds when none is given.
const DefaultServerHost = "127.0.0.1"

// shutdownTimeout bounds how long Shutdown waits for the serve loop.
const shutdownTimeout = 5 * time.Second

var (
	rangeRegex      = regexp.MustCompile(`^bytes=(\d+)-(\d*)$`)
	multiRangeRegex = regexp.MustCompile(`^bytes=\d*-\d*(\s*,\s*\d*-\d*)+$`)
)

// ServeOption configures an AssetServer.
type ServeOption func(*serveConfig)

type serveConfig struct {
	host   string
	port   int
	logger Logger
}

// WithHost sets the bind host. Defaults to 127.0.0.1.
func WithHost(host string) ServeOption {
	return func(c *serveConfig) {
		if host != "" {
			c.host = host
		}
	}
}

// WithPort sets the bind port. 0 picks a free port.
func WithPort(port int) ServeOption {
	return func(c *serveConfig) {
		c.port = port
	}
}

// WithServerLogger sets the logger for request diagnostics.
func WithServerLogger(logger Logger) ServeOption {
	return func(c *serveConfig) {
		c.logger = logger
	}
}

// AssetServer serves a resolved directory over HTTP with byte-range and
// CORS support.
type AssetServer struct {
	root     string
	listener net.Listener
	srv      *http.Server
	logger   Logger
	done     chan struct{}
	serveErr error
}

// NewAssetServer binds the listener and starts serving root in the
// background. The returned server is reachable at URL() immediately.
func NewAssetServer(root string, opts ...ServeOption) (*AssetServer, error) {
	cfg := &serveConfig{host: DefaultServerHost}
	for _, opt := range opts {
		opt(cfg)
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(cfg.host, strconv.Itoa(cfg.port)))
	if err != nil {
		return nil, fmt.Errorf("listen %s:%d: %w", cfg.host, cfg.port, err)
	}

	s := &AssetServer{
		root:     root,
		listener: ln,
		logger:   cfg.logger,
		done:     make(chan struct{}),
	}
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		defer close(s.done)
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.serveErr = err
			if s.logger != nil {
				s.logger.Error("asset server stopped", "error", err)
			}
		}
	}()

	if s.logger != nil {
		s.logger.Info("serving resolved model", "root", root, "url", s.URL())
	}
	return s, nil
}

// Root returns the served directory.
func (s *AssetServer) Root() string { return s.root }

// Addr returns the bound listener address.
func (s *AssetServer) Addr() net.Addr { return s.listener.Addr() }

// URL returns the base URL of the server.
func (s *AssetServer) URL() string {
	return "http://" + s.listener.Addr().String()
}

// Shutdown stops accepting connections and waits up to five seconds for
// the serve loop to exit.
func (s *AssetServer) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	err := s.srv.Shutdown(ctx)
	if err != nil {
		s.srv.Close()
	}

	select {
	case <-s.done:
		// serveErr is only written before done is closed.
		if err == nil {
			err = s.serveErr
		}
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

// Handler returns the HTTP handler for the served directory.
func (s *AssetServer) Handler() http.Handler {
	return newAssetHandler(s.root)
}

func newAssetHandler(root string) http.Handler {
	dir := http.Dir(root)
	files := http.FileServer(dir)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			serverRequests.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
			serverBytes.Add(float64(rec.written))
		}()

		h := rec.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Accept-Ranges", "bytes")

		switch r.Method {
		case http.MethodOptions:
			h.Set("Access-Control-Allow-Methods", "GET, HEAD, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Range")
			rec.WriteHeader(http.StatusOK)
			return
		case http.MethodGet:
			if rangeHeader := r.Header.Get("Range"); rangeHeader != "" {
				if m := rangeRegex.FindStringSubmatch(rangeHeader); m != nil {
					if serveRange(rec, dir, r.URL.Path, m[1], m[2]) {
						return
					}
				}
				// The file server answers multi-range requests itself.
				if !multiRangeRegex.MatchString(rangeHeader) {
					r.Header.Del("Range")
				}
			}
		case http.MethodHead:
			r.Header.Del("Range")
		default:
			h.Set("Allow", "GET, HEAD, OPTIONS")
			http.Error(rec, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		files.ServeHTTP(rec, r)
	})
}

// serveRange answers a parsed byte-range request. It returns false when the
// target is not a regular file, leaving the request to the file server.
func serveRange(w http.ResponseWriter, dir http.Dir, urlPath, startStr, endStr string) bool {
	f, err := dir.Open(path.Clean("/" + urlPath))
	if err != nil {
		return false
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	size := info.Size()

	// Both numbers are digit strings, so a parse error means overflow.
	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil {
		notSatisfiable(w, size)
		return true
	}
	end := size - 1
	if endStr != "" {
		if end, err = strconv.ParseInt(endStr, 10, 64); err != nil {
			notSatisfiable(w, size)
			return true
		}
	}

	if start > end || start >= size || end >= size {
		notSatisfiable(w, size)
		return true
	}

	if _, err := f.Seek(start, io.SeekStart); err != nil {
		http.Error(w, "seek failed", http.StatusInternalServerError)
		return true
	}

	length := end - start + 1
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
	w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusPartialContent)
	io.CopyN(w, f, length)
	return true
}

func notSatisfiable(w http.ResponseWriter, size int64) {
	w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
	w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	written     int64
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	r.wroteHeader = true
	n, err := r.ResponseWriter.Write(p)
	r.written += int64(n)
	return n, err
}
