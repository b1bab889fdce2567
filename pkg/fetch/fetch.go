// Package fetch downloads remote source files into local scratch files.
//
// A Fetcher resolves a Getter by URL scheme: http and https use a tuned
// HTTP/2 capable client, s3:// the AWS transfer manager and gs:// the Cloud
// Storage client. Cloud getters are built on first use so deployments that
// only fetch over HTTP never load cloud credentials.
package fetch

import (
	"context"
	"net"
	"net/url"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/tripflow/pkg/compression"
	"github.com/ajitpratap0/tripflow/pkg/config"
	"github.com/ajitpratap0/tripflow/pkg/errors"
	"github.com/ajitpratap0/tripflow/pkg/pool"
)

// Getter copies the object at u into dst and returns the bytes written.
type Getter interface {
	Get(ctx context.Context, u *url.URL, dst *os.File) (int64, error)
}

// GetterFunc adapts a function to Getter.
type GetterFunc func(ctx context.Context, u *url.URL, dst *os.File) (int64, error)

// Get implements Getter.
func (f GetterFunc) Get(ctx context.Context, u *url.URL, dst *os.File) (int64, error) {
	return f(ctx, u, dst)
}

// Scratch is a downloaded file that is removed on Close.
type Scratch struct {
	Path string
	URL  string
	Size int64

	once sync.Once
	err  error
}

// Close removes the file. It is safe to call more than once.
func (s *Scratch) Close() error {
	s.once.Do(func() {
		if err := os.Remove(s.Path); err != nil && !os.IsNotExist(err) {
			s.err = errors.Wrap(err, errors.ErrorTypeFile, "failed to remove scratch file").
				WithDetail("path", s.Path)
		}
	})
	return s.err
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithGetter registers g for scheme, replacing the built-in getter.
func WithGetter(scheme string, g Getter) Option {
	return func(f *Fetcher) {
		f.getters[strings.ToLower(scheme)] = g
	}
}

// Fetcher downloads sources into cfg.ScratchDir.
type Fetcher struct {
	cfg    config.FetchConfig
	logger *zap.Logger

	mu      sync.Mutex
	getters map[string]Getter
	buffers *pool.Pool[*[]byte]
}

// New creates a Fetcher. The HTTP getter is created eagerly.
func New(cfg config.FetchConfig, logger *zap.Logger, opts ...Option) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1 << 20
	}
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = os.TempDir()
	}

	size := cfg.BufferSize
	f := &Fetcher{
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "fetcher")),
		getters: make(map[string]Getter, 4),
		buffers: pool.New(
			func() *[]byte { b := make([]byte, size); return &b },
			func(b *[]byte) bool { return len(*b) == size },
		),
	}

	h := newHTTPGetter(DefaultHTTPConfig(cfg), f.buffers, f.logger)
	f.getters["http"] = h
	f.getters["https"] = h

	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch downloads rawURL into a new scratch file named with the URL's suffix.
// Failures to reach the source are connection errors and an expired deadline
// is a timeout error; both are retryable. Nothing is left on disk on failure.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Scratch, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Scheme == "" {
		return nil, errors.Newf(errors.ErrorTypeValidation, "invalid source url %q", rawURL)
	}

	g, err := f.getter(ctx, u.Scheme)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	if err := os.MkdirAll(f.cfg.ScratchDir, 0o750); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to create scratch dir")
	}
	file, err := os.CreateTemp(f.cfg.ScratchDir, "tripflow-*"+SuffixFor(rawURL))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to create scratch file")
	}

	start := time.Now()
	n, err := g.Get(ctx, u, file)
	if cerr := file.Close(); err == nil && cerr != nil {
		err = errors.Wrap(cerr, errors.ErrorTypeFile, "failed to write scratch file")
	}
	if err != nil {
		_ = os.Remove(file.Name())
		err = classify(ctx, err, rawURL)
		f.logger.Warn("Fetch failed",
			zap.String("url", rawURL),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return nil, err
	}

	f.logger.Debug("Fetched source",
		zap.String("url", rawURL),
		zap.String("path", file.Name()),
		zap.Int64("bytes", n),
		zap.Duration("elapsed", time.Since(start)))
	return &Scratch{Path: file.Name(), URL: rawURL, Size: n}, nil
}

func (f *Fetcher) getter(ctx context.Context, scheme string) (Getter, error) {
	scheme = strings.ToLower(scheme)

	f.mu.Lock()
	defer f.mu.Unlock()

	if g, ok := f.getters[scheme]; ok {
		return g, nil
	}

	var (
		g   Getter
		err error
	)
	switch scheme {
	case "s3":
		g, err = newS3Getter(ctx, f.cfg)
	case "gs":
		g, err = newGCSGetter(ctx, f.cfg)
	default:
		return nil, errors.Newf(errors.ErrorTypeValidation, "unsupported url scheme %q", scheme)
	}
	if err != nil {
		// Not cached, so a later fetch can try again once credentials exist.
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to initialise "+scheme+" client")
	}
	f.getters[scheme] = g
	return g, nil
}

// classify maps a getter error onto the retryable error types. Typed errors
// from getters keep their type unless the deadline expired.
func classify(ctx context.Context, err error, rawURL string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return errors.Wrap(err, errors.ErrorTypeTimeout, "fetch timed out").WithDetail("url", rawURL)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return errors.Wrap(err, errors.ErrorTypeTimeout, "fetch timed out").WithDetail("url", rawURL)
	}
	var typed *errors.Error
	if errors.As(err, &typed) {
		return err
	}
	return errors.Wrap(err, errors.ErrorTypeConnection, "fetch failed").WithDetail("url", rawURL)
}

// SuffixFor returns the file suffix hint for a URL: the last extension of
// the path plus a compression extension when present, for example
// ".parquet" or ".csv.gz". The query string is ignored.
func SuffixFor(rawURL string) string {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		p = u.Path
	}
	name := path.Base(p)

	comp := compression.Extension(name)
	ext := path.Ext(compression.TrimExtension(name))
	if ext == "" || strings.ContainsAny(ext, " /") {
		return comp
	}
	return strings.ToLower(ext + comp)
}
