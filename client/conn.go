// Package client implements the peer side of the bridge protocol: a
// connection state machine over a framed transport, with request/response
// correlation and streaming delivery. The browser extension's background
// worker is the canonical peer; this package exists so Go tooling and the
// test suite can speak the same protocol.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tapestryext/fabric-bridge/natmsg"
)

// State is the connection lifecycle state.
type State int

const (
	// StateDisconnected: no transport, or the transport was torn down.
	StateDisconnected State = iota
	// StateConnecting: handshake ping sent, pong not yet received.
	StateConnecting
	// StateConnected: handshake succeeded with a valid tool probe.
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// ErrNotConnected is returned for requests issued before a successful
// handshake or after the transport was lost.
var ErrNotConnected = errors.New("not connected")

// OperationError is a scoped failure reported by the host for one
// correlation id. It never implies anything about other in-flight
// operations.
type OperationError struct {
	Id      string
	Message string
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("operation %s failed: %s", e.Id, e.Message)
}

// Option configures a Conn.
type Option func(*Conn)

// WithLogger sets the connection logger. The default discards everything.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Conn) { c.log = log }
}

// WithStateHandler registers a callback invoked exactly once per state
// transition. Called from connection goroutines; the handler must not block.
func WithStateHandler(fn func(State)) Option {
	return func(c *Conn) { c.onState = fn }
}

// WithContentHandler registers a callback for streamed content frames,
// invoked with the owning operation's correlation id and the content chunk.
func WithContentHandler(fn func(id, content string)) Option {
	return func(c *Conn) { c.onContent = fn }
}

// WithHandshakeTimeout bounds how long Connect waits for the pong. A hung
// host must not wedge the state machine in connecting.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *Conn) { c.handshakeTimeout = d }
}

// Conn is one logical connection to the bridge host. Correlation state
// lives in the pending map: every request registers its reply channel
// before its frame is written, so a response can never arrive unroutable.
type Conn struct {
	reader  *natmsg.FrameReader
	writer  *natmsg.FrameWriter
	writeMu sync.Mutex
	log     zerolog.Logger

	onState          func(State)
	onContent        func(id, content string)
	handshakeTimeout time.Duration

	mu      sync.Mutex
	state   State
	pending map[string]chan *natmsg.Response
	closed  bool

	transport io.ReadWriter
	readDone  chan struct{}
}

// NewConn wraps an open transport and starts the read loop. The transport
// is closed by Close if it implements io.Closer.
func NewConn(rw io.ReadWriter, opts ...Option) *Conn {
	c := &Conn{
		reader:           natmsg.NewFrameReader(rw),
		writer:           natmsg.NewFrameWriter(rw),
		log:              zerolog.Nop(),
		pending:          make(map[string]chan *natmsg.Response),
		transport:        rw,
		readDone:         make(chan struct{}),
		handshakeTimeout: 15 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.readLoop()
	return c
}

// State returns the current connection state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect performs the handshake: sends a ping and waits for the pong. A
// pong with valid true moves the connection to Connected; an invalid pong
// or a transport failure leaves it Disconnected. path optionally overrides
// the host's configured fabric location. The wait is bounded by ctx and by
// the handshake timeout, whichever fires first.
func (c *Conn) Connect(ctx context.Context, path string) (*natmsg.Response, error) {
	c.setState(StateConnecting)

	id := uuid.NewString()
	ch, err := c.send(id, natmsg.NewPing(id, path))
	if err != nil {
		c.setState(StateDisconnected)
		return nil, err
	}

	var resp *natmsg.Response
	select {
	case resp = <-ch:
	case <-ctx.Done():
		c.unregister(id)
		c.setState(StateDisconnected)
		return nil, ctx.Err()
	case <-time.After(c.handshakeTimeout):
		c.unregister(id)
		c.setState(StateDisconnected)
		return nil, fmt.Errorf("handshake timed out after %s", c.handshakeTimeout)
	}

	if resp.Type == natmsg.TypeError {
		c.setState(StateDisconnected)
		return nil, &OperationError{Id: id, Message: resp.Message}
	}
	if resp.Valid == nil || !*resp.Valid {
		c.setState(StateDisconnected)
		return resp, nil
	}

	c.setState(StateConnected)
	return resp, nil
}

// ListPatterns requests the installed pattern names.
func (c *Conn) ListPatterns(ctx context.Context, path string) ([]string, error) {
	resp, err := c.roundTrip(ctx, natmsg.TypeListPatterns, path)
	if err != nil {
		return nil, err
	}
	return resp.Patterns, nil
}

// ListContexts requests the saved context names.
func (c *Conn) ListContexts(ctx context.Context, path string) ([]string, error) {
	resp, err := c.roundTrip(ctx, natmsg.TypeListContexts, path)
	if err != nil {
		return nil, err
	}
	return resp.Contexts, nil
}

func (c *Conn) roundTrip(ctx context.Context, reqType, path string) (*natmsg.Response, error) {
	if c.State() != StateConnected {
		return nil, ErrNotConnected
	}

	id := uuid.NewString()
	var req *natmsg.Request
	if reqType == natmsg.TypeListPatterns {
		req = natmsg.NewListPatterns(id, path)
	} else {
		req = natmsg.NewListContexts(id, path)
	}

	ch, err := c.send(id, req)
	if err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp.Type == natmsg.TypeError {
			return nil, &OperationError{Id: id, Message: resp.Message}
		}
		return resp, nil
	case <-ctx.Done():
		c.unregister(id)
		return nil, ctx.Err()
	}
}

// ProcessOptions parameterizes one streaming content operation. Content is
// mandatory; everything else is optional. Pattern takes precedence over
// CustomPrompt on the host side when both are set.
type ProcessOptions struct {
	Content      string
	Model        string
	Pattern      string
	Context      string
	CustomPrompt string
	Path         string
}

// Result is the terminal outcome of a streaming operation.
type Result struct {
	// ExitCode is nil when the process was terminated abnormally or the
	// operation was cancelled.
	ExitCode *int
	// Cancelled reports whether the operation ended with a cancelled frame.
	Cancelled bool
}

// Operation is one in-flight streaming request. Content frames are
// delivered through the connection's content handler; Wait blocks for the
// terminal frame.
type Operation struct {
	Id string

	conn *Conn
	ch   chan *natmsg.Response
}

// Process starts a streaming content operation. The returned Operation's
// Id can be passed to Cancel while the operation is in flight.
func (c *Conn) Process(opts ProcessOptions) (*Operation, error) {
	if c.State() != StateConnected {
		return nil, ErrNotConnected
	}

	id := uuid.NewString()
	req := natmsg.NewProcessContent(id, opts.Content)
	req.Model = opts.Model
	req.Pattern = opts.Pattern
	req.Context = opts.Context
	req.CustomPrompt = opts.CustomPrompt
	req.Path = opts.Path

	ch, err := c.send(id, req)
	if err != nil {
		return nil, err
	}
	return &Operation{Id: id, conn: c, ch: ch}, nil
}

// Wait blocks until the operation's terminal frame arrives or ctx expires.
// A done frame yields the exit code, a cancelled frame yields Cancelled,
// an error frame (including the synthetic one emitted on transport loss)
// is returned as an *OperationError. On ctx expiry the operation stays in
// flight and its pending entry registered, so Wait can be called again.
func (o *Operation) Wait(ctx context.Context) (Result, error) {
	select {
	case resp := <-o.ch:
		switch resp.Type {
		case natmsg.TypeDone:
			return Result{ExitCode: resp.ExitCode}, nil
		case natmsg.TypeCancelled:
			return Result{Cancelled: true}, nil
		default:
			return Result{}, &OperationError{Id: o.Id, Message: resp.Message}
		}
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Cancel requests termination of the operation named by requestId. It
// blocks until the host acknowledges or ctx expires: nil when the
// cancelled frame arrives, an *OperationError when the host reports there
// was nothing to cancel.
func (c *Conn) Cancel(ctx context.Context, requestId string) error {
	if c.State() != StateConnected {
		return ErrNotConnected
	}

	id := uuid.NewString()
	ch, err := c.send(id, natmsg.NewCancelProcess(id, requestId, ""))
	if err != nil {
		return err
	}

	select {
	case resp := <-ch:
		if resp.Type == natmsg.TypeError {
			return &OperationError{Id: id, Message: resp.Message}
		}
		return nil
	case <-ctx.Done():
		c.unregister(id)
		return ctx.Err()
	}
}

// Close tears the connection down: every pending request is failed with a
// synthetic error, the state drops to Disconnected, and the transport is
// closed when it supports closing.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	var err error
	if closer, ok := c.transport.(io.Closer); ok {
		err = closer.Close()
	}
	c.teardown(errors.New("connection closed"))
	<-c.readDone
	return err
}

// send registers the reply channel, then writes the frame. Registration
// happens first so the read loop can never observe a response for an id it
// does not know. On write failure the entry is unregistered and teardown
// runs: a broken pipe means every other pending request is dead too.
func (c *Conn) send(id string, req *natmsg.Request) (chan *natmsg.Response, error) {
	ch := make(chan *natmsg.Response, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.pending[id] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	err := c.writer.WriteRequest(req)
	c.writeMu.Unlock()

	if err != nil {
		c.unregister(id)
		c.teardown(err)
		return nil, fmt.Errorf("failed to send %s: %w", req.Type, err)
	}
	return ch, nil
}

func (c *Conn) unregister(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// readLoop routes incoming frames until the transport fails. Validation
// failures are logged and the frame dropped; framing errors and malformed
// JSON are fatal and tear the connection down.
func (c *Conn) readLoop() {
	defer close(c.readDone)

	for {
		raw, err := c.reader.ReadRaw()
		if err != nil {
			c.teardown(err)
			return
		}

		resp, err := natmsg.DecodeResponse(raw)
		if err != nil {
			var verr *natmsg.ValidationError
			if errors.As(err, &verr) {
				c.log.Warn().Err(verr).Msg("dropping invalid response frame")
				continue
			}
			c.teardown(err)
			return
		}

		c.route(resp)
	}
}

// route delivers one response. Content frames go to the stream handler
// without consuming the pending entry; a cancelled frame resolves both the
// cancelled operation (by requestId) and the cancel request itself (by the
// envelope id); every other frame resolves the entry matching its id.
func (c *Conn) route(resp *natmsg.Response) {
	switch resp.Type {
	case natmsg.TypeContent:
		if c.onContent != nil {
			c.onContent(resp.Id, resp.Content)
		}
	case natmsg.TypeCancelled:
		c.resolve(resp.RequestId, resp)
		c.resolve(resp.Id, resp)
	default:
		c.resolve(resp.Id, resp)
	}
}

func (c *Conn) resolve(id string, resp *natmsg.Response) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		c.log.Debug().Str("id", id).Str("type", resp.Type).Msg("response for unknown correlation id")
		return
	}
	ch <- resp
}

// teardown fails every pending request with one synthetic error frame each
// and drops the state to Disconnected. Runs at most once effectively: a
// second call finds an empty pending map and the state already lowered.
func (c *Conn) teardown(cause error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan *natmsg.Response)
	prev := c.state
	c.state = StateDisconnected
	c.mu.Unlock()

	if len(pending) > 0 {
		c.log.Warn().Err(cause).Int("pending", len(pending)).Msg("transport lost, failing pending requests")
	}
	for id := range pending {
		pending[id] <- natmsg.NewError(id, fmt.Sprintf("connection lost: %v", cause))
	}

	if prev != StateDisconnected && c.onState != nil {
		c.onState(StateDisconnected)
	}
}

// setState transitions the connection state, notifying the handler exactly
// once per actual change.
func (c *Conn) setState(next State) {
	c.mu.Lock()
	changed := c.state != next
	c.state = next
	c.mu.Unlock()

	if changed && c.onState != nil {
		c.onState(next)
	}
}
