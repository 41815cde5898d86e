// Package rpc speaks the language server's Connect unary protocol: one POST
// per call, binary or JSON bodies, no streaming.
package rpc

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/weiro2020/opencode-antigravity-stats/internal/apperr"
	"golang.org/x/net/http2"
)

// ServicePath prefixes every method path.
const ServicePath = "/exa.language_server_pb.LanguageServerService/"

// Methods used by this client.
const (
	MethodGetStatus          = "GetStatus"
	MethodGetUserStatus      = "GetUserStatus"
	MethodSaveOAuthTokenInfo = "SaveOAuthTokenInfo"
)

const maxResponseBytes = 8 << 20

// Encoding selects the request and response body format.
type Encoding int

const (
	EncodingProto Encoding = iota
	EncodingJSON
)

// ContentType returns the media type used for Content-Type and Accept.
func (e Encoding) ContentType() string {
	if e == EncodingJSON {
		return "application/json"
	}
	return "application/proto"
}

func (e Encoding) String() string {
	if e == EncodingJSON {
		return "json"
	}
	return "proto"
}

// Target addresses one server port.
type Target struct {
	Scheme    string
	Host      string
	Port      int
	CSRFToken string
}

// URL returns the endpoint for method.
func (t Target) URL(method string) string {
	scheme := t.Scheme
	if scheme == "" {
		scheme = "http"
	}
	host := t.Host
	if host == "" {
		host = "127.0.0.1"
	}
	return scheme + "://" + net.JoinHostPort(host, strconv.Itoa(t.Port)) + ServicePath + method
}

// Response is a completed call with a decoded body.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// ContentType returns the response media type.
func (r *Response) ContentType() string {
	if r == nil {
		return ""
	}
	return r.Header.Get("Content-Type")
}

// StatusError is the Connect error carried by a non-200 response.
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("http status %d", e.StatusCode)
	if e.Code != "" {
		msg += ", code " + e.Code
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

// Options configures a Client.
type Options struct {
	// CAFile is the PEM bundle trusted for https targets. The system store is
	// never consulted.
	CAFile string
	// Timeout bounds each call. Zero means only the context applies.
	Timeout time.Duration
	// ForceHTTP2 uses cleartext HTTP/2 for http targets.
	ForceHTTP2 bool
	// InsecureSkipVerify accepts any server certificate and ignores CAFile.
	// Only meant for tunnels whose certificate is not available locally.
	InsecureSkipVerify bool
}

// Client issues unary calls. It is safe for concurrent use.
type Client struct {
	opts Options

	mu          sync.Mutex
	plainClient *http.Client
	tlsClient   *http.Client
}

// NewClient returns a client using opts.
func NewClient(opts Options) *Client {
	return &Client{opts: opts}
}

// Call posts payload to method on target. A non-200 response returns both the
// Response and a protocol error wrapping *StatusError.
func (c *Client) Call(ctx context.Context, target Target, method string, payload []byte, enc Encoding) (*Response, error) {
	op := "rpc " + method
	httpClient, err := c.clientFor(target.Scheme)
	if err != nil {
		return nil, err
	}
	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}

	httpReq, errReq := http.NewRequestWithContext(ctx, http.MethodPost, target.URL(method), bytes.NewReader(payload))
	if errReq != nil {
		return nil, apperr.Configuration(op, "", "build request", errReq)
	}
	httpReq.Header.Set("Content-Type", enc.ContentType())
	httpReq.Header.Set("Accept", enc.ContentType())
	httpReq.Header.Set("Accept-Encoding", "gzip, br, zstd")
	httpReq.Header.Set("Connect-Protocol-Version", "1")
	httpReq.Header.Set("x-codeium-csrf-token", target.CSRFToken)

	httpResp, errDo := httpClient.Do(httpReq)
	if errDo != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(errDo, ctxErr) && !errors.Is(ctxErr, context.DeadlineExceeded) {
			return nil, ctxErr
		}
		return nil, apperr.Transport(op, errDo)
	}
	defer func() {
		if errClose := httpResp.Body.Close(); errClose != nil {
			log.Errorf("rpc: close response body error: %v", errClose)
		}
	}()

	raw, errRead := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if errRead != nil {
		return nil, apperr.Transport(op, errRead)
	}
	body, errDecode := decodeBody(httpResp.Header.Get("Content-Encoding"), raw)
	if errDecode != nil {
		return nil, apperr.Protocol(op, "decode response body", errDecode)
	}

	resp := &Response{StatusCode: httpResp.StatusCode, Header: httpResp.Header, Body: body}
	log.Debugf("rpc: %s %s:%d (%s) -> %d, %d bytes", method, target.Scheme, target.Port, enc, resp.StatusCode, len(body))

	if httpResp.StatusCode != http.StatusOK {
		return resp, apperr.Protocol(op, "unexpected status", parseStatusError(resp))
	}
	return resp, nil
}

func parseStatusError(resp *Response) *StatusError {
	sErr := &StatusError{StatusCode: resp.StatusCode}
	if strings.Contains(strings.ToLower(resp.ContentType()), "json") && gjson.ValidBytes(resp.Body) {
		sErr.Code = gjson.GetBytes(resp.Body, "code").String()
		sErr.Message = gjson.GetBytes(resp.Body, "message").String()
		return sErr
	}
	sErr.Message = summarizePayload(resp.Body)
	return sErr
}

// StatusCodeOf returns the HTTP status carried by err, or 0.
func StatusCodeOf(err error) int {
	var sErr *StatusError
	if errors.As(err, &sErr) {
		return sErr.StatusCode
	}
	return 0
}

func (c *Client) clientFor(scheme string) (*http.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if strings.EqualFold(scheme, "https") {
		if c.tlsClient == nil {
			tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
			if c.opts.InsecureSkipVerify {
				log.Warn("rpc: TLS certificate verification disabled")
				tlsConfig.InsecureSkipVerify = true
			} else {
				pool, err := loadCAPool(c.opts.CAFile)
				if err != nil {
					return nil, err
				}
				tlsConfig.RootCAs = pool
			}
			c.tlsClient = &http.Client{Transport: &http2.Transport{TLSClientConfig: tlsConfig}}
		}
		return c.tlsClient, nil
	}

	if c.plainClient == nil {
		if c.opts.ForceHTTP2 {
			c.plainClient = &http.Client{Transport: &http2.Transport{
				AllowHTTP: true,
				DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, network, addr)
				},
			}}
		} else {
			c.plainClient = &http.Client{Transport: &http.Transport{
				Proxy:             nil,
				DisableKeepAlives: true,
			}}
		}
	}
	return c.plainClient, nil
}

func loadCAPool(path string) (*x509.CertPool, error) {
	if path == "" {
		return nil, apperr.Configuration("rpc", "", "https target requires a CA file", nil)
	}
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, apperr.Configuration("rpc", path, "read CA file", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemBytes) {
		return nil, apperr.Configuration("rpc", path, "no certificates found in CA file", nil)
	}
	return pool, nil
}

func summarizePayload(payload []byte) string {
	const max = 256
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return ""
	}
	if len(trimmed) > max {
		return string(trimmed[:max]) + "...(truncated)"
	}
	return string(trimmed)
}
