// Package qq is the Connection Manager and Protocol Adapter for platform A:
// a self-hosted OneBot11-style endpoint reached over a persistent duplex
// WebSocket. It owns the reconnect strand, the echo-id correlation table,
// and the CQ in-band text codec, and implements
// coremsg.Peer/UserInfoProvider/ForwardExpander so a Forwarder can address it
// without knowing any of that.
//
// The connection is a long-lived gorilla/websocket dial that runs an auth
// handshake, reads frames on a dedicated goroutine that hands each one
// straight to the parser and callbacks, and queues outbound frames on a
// channel drained by a writer goroutine, generalized into an indefinitely reconnecting
// duplex connection with outbound RPC correlation, since a chat bridge's
// connection must survive for the life of the process rather than complete
// a single bounded fetch.
package qq

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chatrelay/bridge/pkg/coremsg"
	"github.com/chatrelay/bridge/pkg/log"
)

var logger = log.ForService("qqconnector")

// State enumerates the duplex connection lifecycle.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

const (
	reconnectDelay  = 5 * time.Second
	handshakeTimeout = 15 * time.Second
	rpcTimeout      = 30 * time.Second
	writeQueueDepth = 64
)

// Config configures the connection to the self-hosted endpoint.
type Config struct {
	Host               string
	Port               int
	AccessToken        string
	ProxyURL           string // dialer proxy, empty for none
	InsecureSkipVerify bool
}

func (c Config) wsURL() string {
	return fmt.Sprintf("ws://%s:%d", c.Host, c.Port)
}

// waiter is a pending send_action correlated by echo id.
type waiter struct {
	respCh chan json.RawMessage
	errCh  chan error
}

// MessageCallback and NoticeCallback are invoked for every parsed event, one
// goroutine per inbound frame is not guaranteed — callers should hand off
// quickly (this is expected to be router.Router.DispatchMessage/DispatchNotice).
type MessageCallback func(coremsg.MessageEvent)
type NoticeCallback func(coremsg.NoticeEvent)

// Connector is the Variant W Connection Manager for platform A.
type Connector struct {
	cfg Config

	state atomic.Int32
	echo  atomic.Uint64

	mu      sync.Mutex
	conn    *websocket.Conn
	writeCh chan []byte
	waiters map[uint64]*waiter

	onMessage MessageCallback
	onNotice  NoticeCallback

	runCancel context.CancelFunc
	runDone   chan struct{}
}

// New builds a Connector. It does not dial until Connect is called.
func New(cfg Config) *Connector {
	return &Connector{
		cfg:     cfg,
		waiters: make(map[uint64]*waiter),
	}
}

// SetMessageCallback registers the handler invoked for every parsed MessageEvent.
func (c *Connector) SetMessageCallback(f MessageCallback) { c.onMessage = f }

// SetNoticeCallback registers the handler invoked for every parsed NoticeEvent.
func (c *Connector) SetNoticeCallback(f NoticeCallback) { c.onNotice = f }

// State reports the current connection lifecycle state.
func (c *Connector) State() State { return State(c.state.Load()) }

// IsConnected reports whether a send_action can currently be attempted.
func (c *Connector) IsConnected() bool { return c.State() == StateConnected }

// Connect dials the endpoint and starts the reconnecting run loop in the
// background. It returns once the first connection attempt has either
// succeeded or failed, but the loop continues reconnecting on later drops
// regardless of that first outcome.
func (c *Connector) Connect(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	c.runCancel = cancel
	c.runDone = make(chan struct{})

	connected := make(chan error, 1)
	go c.runLoop(runCtx, connected)

	select {
	case err := <-connected:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect forces the connector terminally to Disconnected and fails every
// outstanding waiter with coremsg.ErrDisconnected.
func (c *Connector) Disconnect() {
	if c.runCancel == nil {
		return
	}
	c.runCancel()
	<-c.runDone
	c.state.Store(int32(StateDisconnected))
}

// runLoop implements the Disconnected → Connecting → Connected → Reconnecting
// → Connecting → … state machine. firstAttempt receives the outcome of the
// very first dial only; subsequent reconnects are silent to the caller and
// only observable through State()/log output.
func (c *Connector) runLoop(ctx context.Context, firstAttempt chan<- error) {
	defer close(c.runDone)

	first := true
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		c.state.Store(int32(StateConnecting))
		if first {
			first = false
		} else {
			c.state.Store(int32(StateReconnecting))
		}

		report := firstAttempt
		firstAttempt = nil
		err := c.connectOnce(ctx, func() {
			if report != nil {
				report <- nil
				report = nil
			}
		})
		if report != nil {
			report <- err
		}
		if err != nil {
			logger.Warnf("connecting to %s: %v", c.cfg.wsURL(), err)
		}

		if ctx.Err() != nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

// connectOnce dials, authenticates (access-token header, checked by the
// peer rather than a handshake frame on this platform), and runs the
// read/write pumps until the transport fails or ctx is cancelled. It blocks
// for the connection's whole lifetime; onConnected runs once the dial has
// succeeded, before the pumps start.
func (c *Connector) connectOnce(ctx context.Context, onConnected func()) error {
	dialCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	header := http.Header{}
	if c.cfg.AccessToken != "" {
		header.Set("Authorization", "Bearer "+c.cfg.AccessToken)
	}

	dialer := websocket.Dialer{
		Proxy:            websocket.DefaultDialer.Proxy,
		HandshakeTimeout: handshakeTimeout,
	}
	if c.cfg.InsecureSkipVerify {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	if c.cfg.ProxyURL != "" {
		parsed, err := url.Parse(c.cfg.ProxyURL)
		if err != nil {
			return fmt.Errorf("parsing proxy url: %w", err)
		}
		dialer.Proxy = http.ProxyURL(parsed)
	}

	conn, _, err := dialer.DialContext(dialCtx, c.cfg.wsURL(), header)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.writeCh = make(chan []byte, writeQueueDepth)
	c.mu.Unlock()

	c.state.Store(int32(StateConnected))
	logger.Infof("connected to %s", c.cfg.wsURL())
	onConnected()

	pumpCtx, cancelPumps := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(2)

	var readErr error
	go func() {
		defer wg.Done()
		readErr = c.readPump(pumpCtx, conn)
		cancelPumps()
	}()
	go func() {
		defer wg.Done()
		c.writePump(pumpCtx, conn)
	}()

	<-pumpCtx.Done()
	cancelPumps()
	_ = conn.Close()
	wg.Wait()

	c.failAllWaiters(coremsg.ErrDisconnected)

	if ctx.Err() != nil {
		return ctx.Err()
	}
	return readErr
}

func (c *Connector) writePump(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-c.writeCh:
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				logger.Warnf("writing frame: %v", err)
				return
			}
		}
	}
}

func (c *Connector) readPump(ctx context.Context, conn *websocket.Conn) error {
	for {
		if err := conn.SetReadDeadline(time.Now().Add(60 * time.Second)); err != nil {
			logger.Warnf("set read deadline: %v", err)
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		c.handleFrame(data)
	}
}

// handleFrame classifies an inbound frame: one carrying an echo field is a
// send_action response routed to its waiter; everything else is parsed as
// an event and handed to the registered callback. A frame this adapter
// can't make sense of is logged and dropped, never raised as an error up
// the stack.
func (c *Connector) handleFrame(data []byte) {
	var probe struct {
		Echo *uint64 `json:"echo"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		logger.Warnf("parsing frame: %v", err)
		return
	}

	if probe.Echo != nil {
		c.deliverResponse(*probe.Echo, data)
		return
	}

	ev, err := parseEvent(data)
	if err != nil {
		logger.Debugf("dropping unparseable event: %v", err)
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
	}
}

func (c *Connector) deliverResponse(echo uint64, data []byte) {
	c.mu.Lock()
	w, ok := c.waiters[echo]
	if ok {
		delete(c.waiters, echo)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	var resp actionResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		w.errCh <- fmt.Errorf("%w: %v", coremsg.ErrParse, err)
		return
	}
	if resp.Status == "failed" {
		w.errCh <- fmt.Errorf("action failed: retcode=%d", resp.Retcode)
		return
	}
	w.respCh <- resp.Data
}

func (c *Connector) failAllWaiters(err error) {
	c.mu.Lock()
	waiters := c.waiters
	c.waiters = make(map[uint64]*waiter)
	c.mu.Unlock()

	for _, w := range waiters {
		w.errCh <- err
	}
}

// SendAction issues action with params and suspends for the matched
// response or the 30-second RPC timeout. The waiter is registered in the
// correlation table before the frame is written, closing the race where a
// same-millisecond response would otherwise arrive unclaimed.
func (c *Connector) SendAction(ctx context.Context, action string, params map[string]any) (json.RawMessage, error) {
	if !c.IsConnected() {
		return nil, coremsg.ErrDisconnected
	}

	echo := c.echo.Add(1)
	w := &waiter{respCh: make(chan json.RawMessage, 1), errCh: make(chan error, 1)}

	c.mu.Lock()
	c.waiters[echo] = w
	writeCh := c.writeCh
	c.mu.Unlock()

	frame, err := json.Marshal(actionRequest{Action: action, Params: params, Echo: echo})
	if err != nil {
		c.mu.Lock()
		delete(c.waiters, echo)
		c.mu.Unlock()
		return nil, fmt.Errorf("encoding action frame: %w", err)
	}

	select {
	case writeCh <- frame:
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.waiters, echo)
		c.mu.Unlock()
		return nil, ctx.Err()
	}

	timeout := time.NewTimer(rpcTimeout)
	defer timeout.Stop()

	select {
	case data := <-w.respCh:
		return data, nil
	case err := <-w.errCh:
		return nil, err
	case <-timeout.C:
		c.mu.Lock()
		delete(c.waiters, echo)
		c.mu.Unlock()
		return nil, coremsg.ErrTimeout
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.waiters, echo)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}
