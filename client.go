// Package novaai is a Go client SDK for the NovaAI hosted inference API
// (chat completion, image generation, text-to-speech, embeddings, upscaling,
// model metadata, API-key administration, billing).
//
// The package's weight is in its HTTP request-execution core: authenticated
// header composition, per-call timeout resolution, automatic retry with
// exponential backoff and Retry-After handling, a structured error
// taxonomy, and two streaming modes (line-delimited server-sent events and
// opaque binary chunk streams). Domain endpoints are expected to be thin
// wrappers over Request/StreamSSE/StreamRaw/RequestMultipart; package
// novaai/chat is one worked example.
package novaai

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/sync/semaphore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/novacore/novaai-go/internal/transport"
)

// DefaultBaseURL is the vendor's production endpoint.
const DefaultBaseURL = "https://api.novaai.example/api/v1"

// apiKeyEnvVar is the one environment fallback the SDK reads, once, at
// construction, when no API key was passed explicitly.
const apiKeyEnvVar = "NOVAAI_API_KEY"

var log = logrus.New()

// TransportOptions groups the connection/TLS/proxy knobs a Client can be
// built with.
type TransportOptions struct {
	ProxyURL            string
	InsecureSkipVerify  bool
	ClientCertPEM       []byte
	ClientKeyPEM        []byte
	RootCAsPEM          []byte
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	MaxConnsPerHost     int
	FollowRedirects     bool
	EnableHTTP1         bool
	EnableHTTP2         bool
	TrustEnvironment    bool
	OnRequestStart      func(*http.Request)
	OnRequestEnd        func(*http.Request, *http.Response, error)
}

// ClientConfig is immutable once a Client is built.
type ClientConfig struct {
	APIKey         string
	TokenSource    oauth2.TokenSource
	BaseURL        string
	DefaultTimeout time.Duration
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	PoolWait       time.Duration
	Retry          RetryPolicy
	Transport      TransportOptions
	// HTTPClient, when set, is adopted as-is: the SDK overlays base
	// URL/timeout/Authorization but never closes it and never applies
	// Transport/Retry/TLS settings to it.
	HTTPClient *http.Client
	// LogFile, when set, routes the root package's logger (its stream
	// skip warnings) to a rotating file via lumberjack instead of stderr.
	// The tokens package logs through logrus's standard logger and is not
	// redirected.
	LogFile *lumberjack.Logger
}

// Option configures a ClientConfig during New.
type Option func(*ClientConfig)

func WithAPIKey(key string) Option { return func(c *ClientConfig) { c.APIKey = key } }

// WithTokenSource supplies a dynamic credential (e.g. SSO-backed OAuth2
// access tokens) as an alternative to a static API key.
func WithTokenSource(ts oauth2.TokenSource) Option {
	return func(c *ClientConfig) { c.TokenSource = ts }
}

func WithBaseURL(url string) Option { return func(c *ClientConfig) { c.BaseURL = url } }

func WithDefaultTimeout(d time.Duration) Option {
	return func(c *ClientConfig) { c.DefaultTimeout = d }
}

func WithRetryPolicy(p RetryPolicy) Option { return func(c *ClientConfig) { c.Retry = p } }

func WithTransportOptions(o TransportOptions) Option {
	return func(c *ClientConfig) { c.Transport = o }
}

func WithHTTPClient(hc *http.Client) Option { return func(c *ClientConfig) { c.HTTPClient = hc } }

func WithLogFile(path string, maxSizeMB int) Option {
	return func(c *ClientConfig) {
		c.LogFile = &lumberjack.Logger{Filename: path, MaxSize: maxSizeMB, MaxBackups: 3, MaxAge: 28}
	}
}

// Client is a constructed novaai API client. Safe for concurrent use: the
// only shared mutable state is the transport's own connection pool and the
// closed flag.
type Client struct {
	cfg             ClientConfig
	httpClient      *http.Client
	poolSem         *semaphore.Weighted
	poolWaitTimeout time.Duration
	shouldClose     bool
	baseURL         string

	closeOnce sync.Once
	closed    bool
	closeMu   sync.Mutex
}

// New constructs a Client. The API key is required (directly, via
// WithAPIKey, via WithTokenSource, or via the NOVAAI_API_KEY environment
// fallback loaded — best-effort — from a .env file first).
func New(opts ...Option) (*Client, error) {
	cfg := ClientConfig{
		BaseURL:        DefaultBaseURL,
		Retry:          DefaultRetryPolicy(),
		ConnectTimeout: 5 * time.Second,
		ReadTimeout:    60 * time.Second,
	}
	cfg.Transport.EnableHTTP1 = true
	cfg.Transport.EnableHTTP2 = true
	for _, o := range opts {
		o(&cfg)
	}

	if cfg.APIKey == "" && cfg.TokenSource == nil {
		_ = godotenv.Load() // best-effort; absence of a .env file is not an error
		cfg.APIKey = strings.TrimSpace(os.Getenv(apiKeyEnvVar))
	}
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	if cfg.APIKey == "" && cfg.TokenSource == nil {
		return nil, newError(KindInvalidRequest, "novaai: API key is required (pass WithAPIKey, WithTokenSource, or set NOVAAI_API_KEY)")
	}

	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	if cfg.LogFile != nil {
		log.SetOutput(cfg.LogFile)
	}

	c := &Client{cfg: cfg, baseURL: cfg.BaseURL}

	if cfg.HTTPClient != nil {
		c.httpClient = transport.AdoptExternal(cfg.HTTPClient)
		c.shouldClose = false
		return c, nil
	}

	poolWaitTimeout := firstPositive(cfg.PoolWait, 10*time.Second)
	tcfg := transport.Config{
		ConnectTimeout:      firstPositive(cfg.ConnectTimeout, 5*time.Second),
		ReadTimeout:         firstPositive(cfg.ReadTimeout, 60*time.Second),
		WriteTimeout:        cfg.WriteTimeout,
		PoolWaitTimeout:     poolWaitTimeout,
		ProxyURL:            cfg.Transport.ProxyURL,
		InsecureSkipVerify:  cfg.Transport.InsecureSkipVerify,
		ClientCertPEM:       cfg.Transport.ClientCertPEM,
		ClientKeyPEM:        cfg.Transport.ClientKeyPEM,
		RootCAsPEM:          cfg.Transport.RootCAsPEM,
		MaxIdleConns:        cfg.Transport.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.Transport.MaxIdleConnsPerHost,
		MaxConnsPerHost:     cfg.Transport.MaxConnsPerHost,
		FollowRedirects:     cfg.Transport.FollowRedirects,
		EnableHTTP1:         cfg.Transport.EnableHTTP1,
		EnableHTTP2:         cfg.Transport.EnableHTTP2,
		TrustEnvironment:    cfg.Transport.TrustEnvironment,
		OnRequestStart:      cfg.Transport.OnRequestStart,
		OnRequestEnd:        cfg.Transport.OnRequestEnd,
	}
	hc, sem, err := transport.Build(tcfg)
	if err != nil {
		return nil, fmt.Errorf("novaai: build transport: %w", err)
	}
	c.httpClient = hc
	c.poolSem = sem
	c.poolWaitTimeout = poolWaitTimeout
	c.shouldClose = true
	return c, nil
}

// authHeaderValue resolves the Bearer credential for this request, either
// the static API key or a freshly-sourced OAuth2 token.
func (c *Client) authHeaderValue(ctx context.Context) (string, error) {
	if c.cfg.TokenSource != nil {
		tok, err := c.cfg.TokenSource.Token()
		if err != nil {
			return "", fmt.Errorf("novaai: token source: %w", err)
		}
		return "Bearer " + tok.AccessToken, nil
	}
	return "Bearer " + c.cfg.APIKey, nil
}

// Close releases the client's owned transport resources. Idempotent: the
// underlying transport is closed at most once, and never at all when the
// client adopted a caller-supplied *http.Client.
func (c *Client) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.shouldClose {
		c.httpClient.CloseIdleConnections()
	}
	if c.cfg.LogFile != nil {
		return c.cfg.LogFile.Close()
	}
	return nil
}

// CloseAsync is the cooperative twin of Close: it performs the identical
// idempotent close on a goroutine and reports completion (or ctx
// cancellation) over the returned channel.
func (c *Client) CloseAsync(ctx context.Context) <-chan error {
	out := make(chan error, 1)
	go func() {
		select {
		case out <- c.Close():
		case <-ctx.Done():
			out <- ctx.Err()
		}
	}()
	return out
}

// WithClient is the resource-scoped acquisition form: it builds a Client,
// passes it to fn, and guarantees Close runs on every exit path including a
// panic or an early error return from fn.
func WithClient(opts []Option, fn func(*Client) error) (err error) {
	c, err := New(opts...)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := c.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(c)
}

func firstPositive(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}
