package validator

import (
	"context"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	ErrInvalidURL       = errors.New("invalid URL format")
	ErrHTTPSRequired    = errors.New("HTTPS is required")
	ErrPrivateIP        = errors.New("private IP addresses are not allowed")
	ErrTooManyRedirects = errors.New("too many redirects")
	ErrConnectionFailed = errors.New("connection failed")
	ErrInvalidCalDAV    = errors.New("invalid CalDAV endpoint")
	ErrInvalidNotionID  = errors.New("invalid Notion id")
	ErrInvalidCallback  = errors.New("invalid callback URL")
)

const (
	maxRedirects   = 3
	defaultTimeout = 10 * time.Second
	minTLSVersion  = tls.VersionTLS12
)

// Resolver looks up the addresses behind a host name.
type Resolver func(ctx context.Context, host string) ([]net.IP, error)

// Validator checks configured endpoints and the public callback URLs handed
// to calendar push channels.
type Validator struct {
	client          *http.Client
	resolve         Resolver
	allowPrivateIPs bool
}

// Option configures a Validator.
type Option func(*Validator)

// WithAllowPrivateIPs permits endpoints on private networks, such as a
// CalDAV server reached over a Docker network.
func WithAllowPrivateIPs() Option {
	return func(v *Validator) {
		v.allowPrivateIPs = true
	}
}

// WithResolver replaces DNS lookups.
func WithResolver(r Resolver) Option {
	return func(v *Validator) {
		v.resolve = r
	}
}

// New creates a new Validator with the given options.
func New(opts ...Option) *Validator {
	v := &Validator{
		resolve: func(ctx context.Context, host string) ([]net.IP, error) {
			return net.DefaultResolver.LookupIP(ctx, "ip", host)
		},
	}
	for _, opt := range opts {
		opt(v)
	}
	v.client = v.newHTTPClient()
	return v
}

func (v *Validator) newHTTPClient() *http.Client {
	transport := &http.Transport{
		TLSClientConfig:       &tls.Config{MinVersion: minTLSVersion},
		DialContext:           v.dialPublic,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          10,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{
		Timeout:   defaultTimeout,
		Transport: transport,
		CheckRedirect: func(_ *http.Request, via []*http.Request) error {
			if len(via) > maxRedirects {
				return ErrTooManyRedirects
			}
			return nil
		},
	}
}

// dialPublic connects to the first vetted address so the checked IP is the
// one actually dialed.
func (v *Validator) dialPublic(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address: %w", err)
	}
	ips, err := v.lookupPublic(ctx, host)
	if err != nil {
		return nil, err
	}
	dialer := &net.Dialer{Timeout: defaultTimeout, KeepAlive: 30 * time.Second}
	return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0].String(), port))
}

// lookupPublic resolves host and fails if any address is private, unless
// private addresses are allowed.
func (v *Validator) lookupPublic(ctx context.Context, host string) ([]net.IP, error) {
	var ips []net.IP
	if ip := net.ParseIP(host); ip != nil {
		ips = []net.IP{ip}
	} else {
		resolved, err := v.resolve(ctx, host)
		if err != nil {
			return nil, fmt.Errorf("DNS resolution failed: %w", err)
		}
		ips = resolved
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("DNS resolution failed: no addresses for %s", host)
	}
	if v.allowPrivateIPs {
		return ips, nil
	}
	for _, ip := range ips {
		if IsPrivateIP(ip) {
			return nil, fmt.Errorf("%w: %s resolves to %s", ErrPrivateIP, host, ip)
		}
	}
	return ips, nil
}

// IsPrivateIP reports whether ip is loopback, private, link-local or
// unspecified.
func IsPrivateIP(ip net.IP) bool {
	if ip == nil {
		return false
	}
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified()
}

// ValidateCallbackURL checks a push channel callback: it must be HTTPS and
// every address its host resolves to must be publicly reachable. Calendar
// providers refuse to deliver to anything else.
func (v *Validator) ValidateCallbackURL(ctx context.Context, rawURL string) error {
	if err := v.ValidateURL(rawURL, true); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidCallback, err)
	}
	parsed, _ := url.Parse(rawURL)
	if _, err := v.lookupPublic(ctx, parsed.Hostname()); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidCallback, err)
	}
	return nil
}

// ValidateURL validates a URL string.
// If requireHTTPS is true, only HTTPS URLs are accepted.
func (v *Validator) ValidateURL(rawURL string, requireHTTPS bool) error {
	if rawURL == "" {
		return ErrInvalidURL
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: parse error: %w", ErrInvalidURL, err)
	}

	if parsed.Host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidURL)
	}

	if requireHTTPS && parsed.Scheme != "https" {
		return ErrHTTPSRequired
	}

	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("%w: scheme must be http or https", ErrInvalidURL)
	}

	return nil
}

// ValidateCalDAVEndpoint validates a CalDAV endpoint by checking its OPTIONS response.
func (v *Validator) ValidateCalDAVEndpoint(ctx context.Context, endpointURL string) error {
	if err := v.ValidateURL(endpointURL, true); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidCalDAV, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodOptions, endpointURL, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to create request: %w", ErrInvalidCalDAV, err)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	defer resp.Body.Close()

	// CalDAV endpoints should return 200 OK or 204 No Content for OPTIONS
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("%w: OPTIONS returned status %d", ErrInvalidCalDAV, resp.StatusCode)
	}

	// Check for DAV header indicating WebDAV/CalDAV support
	davHeader := resp.Header.Get("DAV")
	if davHeader == "" {
		return fmt.Errorf("%w: missing DAV header", ErrInvalidCalDAV)
	}

	return nil
}

// ValidateNotionID checks that id is a 32-digit hex id, with or without the
// 8-4-4-4-12 dashes Notion shows in URLs.
func ValidateNotionID(id string) error {
	compact := strings.ReplaceAll(strings.TrimSpace(id), "-", "")
	if len(compact) != 32 {
		return fmt.Errorf("%w: expected 32 hex digits", ErrInvalidNotionID)
	}
	if _, err := hex.DecodeString(compact); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidNotionID, err)
	}
	return nil
}
