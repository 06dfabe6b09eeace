// Package gateway is the HTTP client for the upstream messaging provider.
// Every send carries the account's own credentials and, for unofficial-channel
// accounts, goes out through the account's assigned proxy endpoint.
package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/blastline/campaign-engine/internal/model"
	"github.com/blastline/campaign-engine/pkg/logger"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpproxy"
)

// ErrorKind partitions transport failures by how the dispatcher must react.
type ErrorKind string

const (
	// KindNoTransport: the recipient has no reachable messaging endpoint.
	// Terminal for the recipient, does not count against the account.
	KindNoTransport ErrorKind = "no_transport"
	// KindRateLimited: the provider throttled the account. The account must
	// cool down; the recipient goes back to the queue.
	KindRateLimited ErrorKind = "rate_limited"
	// KindAccountInvalid: the account's credentials or session are dead.
	KindAccountInvalid ErrorKind = "account_invalid"
	// KindEgress: the request never reached the provider (connect, proxy,
	// timeout). Triggers proxy rotation for proxied accounts.
	KindEgress ErrorKind = "egress"
	KindUnknown ErrorKind = "unknown"
)

// TransportError is a classified send failure.
type TransportError struct {
	Kind    ErrorKind
	Code    string
	Message string
}

func (e *TransportError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("transport %s (%s): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("transport %s: %s", e.Kind, e.Message)
}

// AsTransportError unwraps err into a *TransportError, mapping anything
// unclassified to KindUnknown so callers always get a kind to switch on.
func AsTransportError(err error) *TransportError {
	var te *TransportError
	if errors.As(err, &te) {
		return te
	}
	return &TransportError{Kind: KindUnknown, Message: err.Error()}
}

type SendRequest struct {
	AccountID int64             `json:"-"`
	APIKey    string            `json:"-"`
	Channel   model.ChannelType `json:"channel"`
	Recipient string            `json:"recipient"`
	Body      string            `json:"body"`
}

type SendResponse struct {
	ExternalMessageID string    `json:"external_message_id"`
	AcceptedAt        time.Time `json:"accepted_at"`
}

type providerError struct {
	ErrorCode string `json:"error_code"`
	ErrorMsg  string `json:"error_message"`
}

type Config struct {
	BaseURL         string
	Timeout         time.Duration
	MaxConns        int
	ReadBufferSize  int
	WriteBufferSize int
}

// Client sends through the provider API. Proxied sends each get a dedicated
// fasthttp client whose dialer tunnels through the proxy endpoint; clients
// are cached per endpoint so connections get reused across a campaign run.
type Client struct {
	config *Config
	direct *fasthttp.Client

	mu      sync.Mutex
	proxied map[string]*fasthttp.Client
}

func NewClient(config *Config) (*Client, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}
	if config.BaseURL == "" {
		return nil, errors.New("provider base URL is required")
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}

	c := &Client{
		config:  config,
		direct:  newHTTPClient(config, nil),
		proxied: make(map[string]*fasthttp.Client),
	}

	logger.Info("Transport client initialized", "base_url", config.BaseURL, "timeout", config.Timeout)
	return c, nil
}

func newHTTPClient(config *Config, dial fasthttp.DialFunc) *fasthttp.Client {
	return &fasthttp.Client{
		Dial:                dial,
		MaxConnsPerHost:     config.MaxConns,
		ReadTimeout:         config.Timeout,
		WriteTimeout:        config.Timeout,
		MaxIdleConnDuration: 60 * time.Second,
		ReadBufferSize:      config.ReadBufferSize,
		WriteBufferSize:     config.WriteBufferSize,
	}
}

func (c *Client) clientFor(proxy *model.ProxyEndpoint) *fasthttp.Client {
	if proxy == nil || proxy.Host == "" {
		return c.direct
	}

	key := proxy.Type + "://" + proxy.Addr()

	c.mu.Lock()
	defer c.mu.Unlock()
	if hc, ok := c.proxied[key]; ok {
		return hc
	}

	var dial fasthttp.DialFunc
	switch proxy.Type {
	case model.ProxyTypeSocks5:
		dial = fasthttpproxy.FasthttpSocksDialer(proxy.URL())
	default:
		dial = fasthttpproxy.FasthttpHTTPDialerTimeout(proxy.Addr(), c.config.Timeout)
	}

	hc := newHTTPClient(c.config, dial)
	c.proxied[key] = hc
	return hc
}

// Send delivers one rendered message for one recipient. A nil proxy means
// direct egress. Failures come back as *TransportError.
func (c *Client) Send(deadline time.Time, req *SendRequest, proxy *model.ProxyEndpoint) (*SendResponse, error) {
	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq := fasthttp.AcquireRequest()
	httpResp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(httpReq)
	defer fasthttp.ReleaseResponse(httpResp)

	httpReq.SetRequestURI(c.config.BaseURL + "/api/v1/messages/send")
	httpReq.Header.SetMethod(fasthttp.MethodPost)
	httpReq.Header.SetContentType("application/json")
	httpReq.Header.Set("Authorization", "Bearer "+req.APIKey)
	httpReq.SetBody(reqBody)

	if deadline.IsZero() {
		deadline = time.Now().Add(c.config.Timeout)
	}

	startTime := time.Now()
	if err := c.clientFor(proxy).DoDeadline(httpReq, httpResp, deadline); err != nil {
		return nil, classifyDialError(err)
	}
	latency := time.Since(startTime).Milliseconds()

	statusCode := httpResp.StatusCode()
	if statusCode != fasthttp.StatusOK && statusCode != fasthttp.StatusAccepted {
		return nil, classifyProviderError(statusCode, httpResp.Body())
	}

	var resp SendResponse
	if err := json.Unmarshal(httpResp.Body(), &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	logger.Debug("Message accepted by provider",
		"external_message_id", resp.ExternalMessageID,
		"account_id", req.AccountID,
		"latency_ms", latency)

	return &resp, nil
}

// classifyDialError maps connection-level failures. Everything that never got
// an HTTP response out of the provider is an egress failure.
func classifyDialError(err error) *TransportError {
	te := &TransportError{Kind: KindEgress, Message: err.Error()}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		te.Code = "EGRESS_TIMEOUT"
	}
	return te
}

// classifyProviderError maps a non-2xx provider response onto the failure
// taxonomy. The provider's error_code wins over the HTTP status.
func classifyProviderError(statusCode int, body []byte) *TransportError {
	var pe providerError
	_ = json.Unmarshal(body, &pe)

	kind := KindUnknown
	switch pe.ErrorCode {
	case "NO_TRANSPORT":
		kind = KindNoTransport
	case "RATE_LIMITED":
		kind = KindRateLimited
	case "ACCOUNT_BLOCKED", "ACCOUNT_EXPIRED", "INVALID_API_KEY":
		kind = KindAccountInvalid
	default:
		switch statusCode {
		case fasthttp.StatusTooManyRequests:
			kind = KindRateLimited
		case fasthttp.StatusUnauthorized, fasthttp.StatusForbidden:
			kind = KindAccountInvalid
		case fasthttp.StatusUnprocessableEntity, fasthttp.StatusNotFound:
			kind = KindNoTransport
		}
	}

	msg := pe.ErrorMsg
	if msg == "" {
		msg = fmt.Sprintf("unexpected status code: %d", statusCode)
	}
	return &TransportError{Kind: kind, Code: pe.ErrorCode, Message: msg}
}
