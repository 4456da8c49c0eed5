// Package httpx builds the HTTP client shared by all segment fetchers
// of a manager: connection pooling, proxy support, caller headers, and
// an optional token-bucket bandwidth cap.
package httpx

import (
	"crypto/tls"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const DefaultUserAgent = "fetchkit/1.0"

// Reserved headers are owned by the engine; caller-supplied values for
// them are ignored.
var reservedHeaders = map[string]bool{
	"Range":               true,
	"If-Match":            true,
	"If-Unmodified-Since": true,
}

type Config struct {
	ConnectTimeout time.Duration
	IdleTimeout    time.Duration
	ProxyURL       string
	ProxyUsername  string
	ProxyPassword  string
	UserAgent      string
	Headers        map[string]string
	TLSSkipVerify  bool
	SpeedLimit     int64 // bytes per second, 0 means unlimited
	Auth           func(*http.Request)
}

// Client wraps *http.Client with the engine's header discipline and the
// shared bandwidth limiter.
type Client struct {
	client  *http.Client
	config  Config
	limiter *rate.Limiter
}

func NewClient(cfg Config) *Client {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 30 * time.Second
	}
	transport := &http.Transport{
		IdleConnTimeout:     90 * time.Second,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 100,
		DisableCompression:  true,
		MaxConnsPerHost:     0,
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}
	if cfg.TLSSkipVerify {
		transport.TLSClientConfig = insecureTLSConfig()
	}
	if cfg.ProxyURL != "" {
		proxyURL, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			log.Error().Err(err).Str("proxy", cfg.ProxyURL).Msg("Invalid proxy URL, proceeding without proxy")
		} else {
			if cfg.ProxyUsername != "" {
				if cfg.ProxyPassword != "" {
					proxyURL.User = url.UserPassword(cfg.ProxyUsername, cfg.ProxyPassword)
				} else {
					proxyURL.User = url.User(cfg.ProxyUsername)
				}
			}
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	}
	var limiter *rate.Limiter
	if cfg.SpeedLimit > 0 {
		burst := int(cfg.SpeedLimit)
		if burst < 64*1024 {
			burst = 64 * 1024
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.SpeedLimit), burst)
	}
	return &Client{
		client:  &http.Client{Transport: transport},
		config:  cfg,
		limiter: limiter,
	}
}

func insecureTLSConfig() *tls.Config {
	return &tls.Config{InsecureSkipVerify: true}
}

// Do applies the user agent, caller headers, and auth decoration, then
// issues the request. Reserved headers are never overridden.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	} else {
		req.Header.Set("User-Agent", DefaultUserAgent)
	}
	for k, v := range c.config.Headers {
		if reservedHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		req.Header.Set(k, v)
	}
	if c.config.Auth != nil {
		c.config.Auth(req)
	}
	return c.client.Do(req)
}

// Limiter returns the shared bandwidth limiter, nil when uncapped.
func (c *Client) Limiter() *rate.Limiter {
	return c.limiter
}

// IdleTimeout is the per-response read watchdog duration.
func (c *Client) IdleTimeout() time.Duration {
	return c.config.IdleTimeout
}
