// Package telegram is the Connection Manager and Protocol Adapter for
// platform B: a cloud HTTPS bot API reached by periodic long-poll. Unlike
// platform A's duplex stream, there is no persistent transport to keep
// alive — IsConnected tracks whether the most recent poll cycle succeeded,
// and send_action is a synchronous POST/await rather than an
// asynchronously-correlated RPC.
//
// The HTTP client is built from golang.org/x/oauth2.StaticTokenSource with
// token type "Bot" rather than the default "Bearer", matching the
// bot-token auth scheme, and drives an indefinite poll loop rather than a
// single bounded request.
package telegram

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"golang.org/x/oauth2"

	"github.com/chatrelay/bridge/pkg/coremsg"
	"github.com/chatrelay/bridge/pkg/log"
)

var logger = log.ForService("telegramconnector")

const (
	defaultPollInterval = 1 * time.Second
	pollHTTPTimeout      = 35 * time.Second // must exceed the getUpdates long-poll timeout below
	longPollTimeout      = 30 * time.Second
	rpcHTTPTimeout       = 30 * time.Second
)

// Config configures the connection to the cloud endpoint.
type Config struct {
	Token              string
	APIHost            string // defaults to api.telegram.org
	ProxyURL           string
	InsecureSkipVerify bool
	PollInterval       time.Duration
}

func (c Config) baseURL() string {
	host := c.APIHost
	if host == "" {
		host = "api.telegram.org"
	}
	return fmt.Sprintf("https://%s/bot%s", host, c.Token)
}

type MessageCallback func(coremsg.MessageEvent)
type NoticeCallback func(coremsg.NoticeEvent)

// Connector is the Variant P Connection Manager for platform B.
type Connector struct {
	cfg Config

	client *http.Client
	offset int64

	connected atomic.Bool

	onMessage MessageCallback
	onNotice  NoticeCallback

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Connector. It does not issue any request until Connect.
func New(cfg Config) (*Connector, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token, TokenType: "Bot"})
	httpTransport := &http.Transport{}
	if cfg.ProxyURL != "" {
		parsed, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parsing proxy url: %w", err)
		}
		httpTransport.Proxy = http.ProxyURL(parsed)
	}
	if cfg.InsecureSkipVerify {
		httpTransport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	var transport http.RoundTripper = httpTransport
	base := &http.Client{Transport: transport}
	client := oauth2.NewClient(context.WithValue(context.Background(), oauth2.HTTPClient, base), ts)
	client.Timeout = pollHTTPTimeout

	return &Connector{cfg: cfg, client: client}, nil
}

func (c *Connector) SetMessageCallback(f MessageCallback) { c.onMessage = f }
func (c *Connector) SetNoticeCallback(f NoticeCallback)   { c.onNotice = f }

// IsConnected reports whether the most recent poll cycle succeeded.
func (c *Connector) IsConnected() bool { return c.connected.Load() }

// Connect starts the poll loop in the background and returns once the first
// poll cycle has completed (success or failure); later cycles continue
// regardless of that first outcome, matching the Variant W Connect contract.
func (c *Connector) Connect(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})

	first := make(chan error, 1)
	go c.pollLoop(runCtx, first)

	select {
	case err := <-first:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect stops the poll loop. There is no live transport to tear down.
func (c *Connector) Disconnect() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
	c.connected.Store(false)
}

func (c *Connector) pollLoop(ctx context.Context, firstAttempt chan<- error) {
	defer close(c.done)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := c.pollOnce(ctx)
		c.connected.Store(err == nil)
		if firstAttempt != nil {
			firstAttempt <- err
			firstAttempt = nil
		}
		if err != nil {
			logger.Warnf("polling %s: %v", c.cfg.baseURL(), err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.cfg.PollInterval):
		}
	}
}

func (c *Connector) pollOnce(ctx context.Context) error {
	params := url.Values{}
	params.Set("offset", fmt.Sprintf("%d", c.offset))
	params.Set("timeout", fmt.Sprintf("%d", int(longPollTimeout.Seconds())))

	data, err := c.call(ctx, "getUpdates", params)
	if err != nil {
		return err
	}

	var updates []update
	if err := json.Unmarshal(data, &updates); err != nil {
		return fmt.Errorf("%w: decoding getUpdates response: %v", coremsg.ErrParse, err)
	}

	for _, u := range updates {
		if u.UpdateID >= c.offset {
			c.offset = u.UpdateID + 1
		}
		c.dispatchUpdate(u)
	}
	return nil
}

func (c *Connector) dispatchUpdate(u update) {
	ev, err := parseUpdate(u)
	if err != nil {
		logger.Debugf("dropping unparseable update %d: %v", u.UpdateID, err)
		return
	}
	switch e := ev.(type) {
	case coremsg.MessageEvent:
		if c.onMessage != nil {
			c.onMessage(e)
		}
	case coremsg.NoticeEvent:
		if c.onNotice != nil {
			c.onNotice(e)
		}
	case nil:
		// no message/edited_message/recall this update carried, nothing to do.
	}
}

// call issues a synchronous POST to /bot<token>/<method> and returns the
// decoded "result" payload. There is no echo-id correlation to perform here
// since this transport has exactly one in-flight response per call, but the
// platform still models send_action as suspend-until-response for symmetry
// with the duplex connector.
func (c *Connector) call(ctx context.Context, method string, params url.Values) (json.RawMessage, error) {
	timeout := rpcHTTPTimeout
	if method == "getUpdates" {
		timeout = pollHTTPTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	endpoint := c.cfg.baseURL() + "/" + method
	if params != nil {
		endpoint += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", coremsg.ErrDisconnected, err)
	}
	defer func() { _ = resp.Body.Close() }()

	var envelope struct {
		OK          bool            `json:"ok"`
		Description string          `json:"description"`
		Result      json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("%w: decoding %s response: %v", coremsg.ErrParse, method, err)
	}
	if !envelope.OK {
		return nil, fmt.Errorf("%s failed: %s", method, envelope.Description)
	}
	return envelope.Result, nil
}
