// Package assets fetches versioned model files over http(s) or from disk,
// optionally through an HTTP cache.
package assets

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/die-net/lrucache"
	"github.com/gregjones/httpcache"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ErrChecksum is wrapped in a LoadError when a pinned asset does not match.
var ErrChecksum = errors.New("checksum mismatch")

// LoadError reports an asset that could not be fetched or decoded.
type LoadError struct {
	URL string
	Err error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load asset %s: %v", e.URL, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// Options configures a Fetcher.
type Options struct {
	// BaseURL resolves relative refs. A bare path is a local directory.
	// Empty means the working directory.
	BaseURL string
	// Cache stores responses that are cacheable per their headers. Nil disables caching.
	Cache httpcache.Cache
	// Timeout bounds a single fetch. Zero means one minute.
	Timeout time.Duration
	Log     *logrus.Entry
}

// Fetcher loads assets by URL or path.
type Fetcher struct {
	base   *url.URL
	client *http.Client
	log    *logrus.Entry
}

// NewMemoryCache returns an in-process LRU response cache.
func NewMemoryCache(maxBytes int64, ttl time.Duration) httpcache.Cache {
	return lrucache.New(maxBytes, int64(ttl.Seconds()))
}

// NewFetcher builds a Fetcher. file:// URLs are served from the local disk.
func NewFetcher(opts Options) (*Fetcher, error) {
	base, err := baseURL(opts.BaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "asset base url")
	}

	t := http.DefaultTransport.(*http.Transport).Clone()
	t.RegisterProtocol("file", http.NewFileTransport(http.Dir("/")))

	var rt http.RoundTripper = t
	if opts.Cache != nil {
		ct := httpcache.NewTransport(opts.Cache)
		ct.Transport = t
		ct.MarkCachedResponses = true
		rt = ct
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}

	log := opts.Log
	if log == nil {
		log = logrus.WithField("component", "assets")
	}

	return &Fetcher{
		base:   base,
		client: &http.Client{Transport: rt, Timeout: timeout},
		log:    log,
	}, nil
}

func baseURL(raw string) (*url.URL, error) {
	if raw == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		return dirURL(wd)
	}
	if hasScheme(raw) {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, err
		}
		if !strings.HasSuffix(u.Path, "/") {
			u.Path += "/"
		}
		return u, nil
	}
	return dirURL(raw)
}

func dirURL(dir string) (*url.URL, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	p := filepath.ToSlash(abs)
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return &url.URL{Scheme: "file", Path: p}, nil
}

// hasScheme ignores one-letter schemes so Windows drive letters stay paths.
func hasScheme(ref string) bool {
	i := strings.Index(ref, "://")
	return i > 1
}

// Resolve returns the absolute URL for ref.
func (f *Fetcher) Resolve(ref string) (*url.URL, error) {
	if hasScheme(ref) {
		return url.Parse(ref)
	}
	if filepath.IsAbs(ref) {
		return &url.URL{Scheme: "file", Path: filepath.ToSlash(ref)}, nil
	}
	rel, err := url.Parse(filepath.ToSlash(ref))
	if err != nil {
		return nil, err
	}
	return f.base.ResolveReference(rel), nil
}

// Join resolves rel against the location of ref, the way a model file
// names its sibling weight files.
func (f *Fetcher) Join(ref, rel string) (string, error) {
	u, err := f.Resolve(ref)
	if err != nil {
		return "", err
	}
	r, err := url.Parse(rel)
	if err != nil {
		return "", err
	}
	return u.ResolveReference(r).String(), nil
}

// Fetch returns the body of ref. A "#sha256=<hex>" fragment pins the content.
// Every failure is a *LoadError.
func (f *Fetcher) Fetch(ctx context.Context, ref string) ([]byte, error) {
	u, err := f.Resolve(ref)
	if err != nil {
		return nil, &LoadError{URL: ref, Err: err}
	}

	pin := ""
	if strings.HasPrefix(u.Fragment, "sha256=") {
		pin = strings.ToLower(strings.TrimPrefix(u.Fragment, "sha256="))
	}
	req := *u
	req.Fragment = ""
	target := req.String()

	body, cached, err := f.get(ctx, target)
	if err != nil {
		return nil, &LoadError{URL: target, Err: err}
	}

	if pin != "" {
		sum := sha256.Sum256(body)
		if got := hex.EncodeToString(sum[:]); got != pin {
			return nil, &LoadError{URL: target, Err: errors.Wrapf(ErrChecksum, "got %s, want %s", got, pin)}
		}
	}

	f.log.WithFields(logrus.Fields{
		"url":    target,
		"bytes":  len(body),
		"cached": cached,
	}).Debug("asset fetched")

	return body, nil
}

func (f *Fetcher) get(ctx context.Context, target string) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, false, err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("bad http code %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, errors.Wrap(err, "read body")
	}
	return body, resp.Header.Get(httpcache.XFromCache) != "", nil
}

// FetchJSON fetches ref and decodes it into v.
func (f *Fetcher) FetchJSON(ctx context.Context, ref string, v interface{}) error {
	body, err := f.Fetch(ctx, ref)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return &LoadError{URL: ref, Err: errors.Wrap(err, "decode json")}
	}
	return nil
}
