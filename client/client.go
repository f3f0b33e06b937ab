// Package client is a thin request/response and observe API sitting on
// top of an endpoint.Endpoint, modeled on the teacher's client.go +
// api.go split between connection plumbing and verb-shaped calls.
package client

import (
	"context"
	"crypto/rand"
	"fmt"

	"github.com/google/uuid"

	"github.com/localrivet/gocoap/endpoint"
	"github.com/localrivet/gocoap/logx"
	"github.com/localrivet/gocoap/message"
	"github.com/localrivet/gocoap/transport"
)

// Client issues confirmable requests and observe registrations against a
// single CoAP peer over one endpoint.Endpoint.
type Client struct {
	ep     *endpoint.Endpoint
	remote string
	logger logx.Logger
}

// New creates a Client bound to t, talking to remote. The caller owns
// starting and stopping the underlying transport via the returned
// endpoint's Start/Stop (exposed through Client.Start/Stop).
func New(t transport.Transport, remote string, cfg endpoint.Config, logger logx.Logger) *Client {
	if logger == nil {
		logger = logx.NewDefaultLogger()
	}
	return &Client{
		ep:     endpoint.NewEndpoint(t, cfg, nil, logger),
		remote: remote,
		logger: logger,
	}
}

// Start begins the underlying endpoint's transport and periodic tick.
func (c *Client) Start() error { return c.ep.Start() }

// Stop halts the underlying endpoint, failing any in-flight request with
// endpoint.ErrShutdown. Active observations are not terminated: their
// Notifications channels are not closed by Stop.
func (c *Client) Stop() error { return c.ep.Stop() }

// RequestOption customizes a single Get/Put/Post/Delete/Observe call.
type RequestOption func(*message.Message)

// WithToken overrides the default random token for this call.
func WithToken(token message.Token) RequestOption {
	return func(m *message.Message) { m.Token = token }
}

// WithContentFormat sets the Content-Format option on the request.
func WithContentFormat(cf uint32) RequestOption {
	return func(m *message.Message) { m.Options.AddUint(message.OptionContentFormat, cf) }
}

// WithNonConfirmable sends the request as NON instead of the default CON.
func WithNonConfirmable() RequestOption {
	return func(m *message.Message) { m.Type = message.NON }
}

func randomToken() message.Token {
	id, err := uuid.NewRandom()
	if err != nil {
		// crypto/rand failure is the only way uuid.NewRandom can fail;
		// fall back to a short crypto/rand draw directly rather than a
		// zero token, which would collide across concurrent requests.
		buf := make([]byte, 8)
		_, _ = rand.Read(buf)
		return message.Token(buf)
	}
	b := id[:]
	return message.Token(b[:8])
}

func (c *Client) newRequest(code message.Code, path string, payload []byte, opts []RequestOption) *message.Message {
	req := &message.Message{
		Type:    message.CON,
		Code:    code,
		Remote:  c.remote,
		Token:   randomToken(),
		Payload: payload,
	}
	req.Options.SetPath(path)
	for _, opt := range opts {
		opt(req)
	}
	return req
}

// do sends req and blocks until the endpoint completes its transaction or
// ctx is done.
func (c *Client) do(ctx context.Context, req *message.Message) (*message.Message, error) {
	type result struct {
		resp *message.Message
		err  error
	}
	done := make(chan result, 1)

	err := c.ep.Send(req, endpoint.PriorityNormal, false, nil, func(resp *message.Message, err error) {
		done <- result{resp, err}
	})
	if err != nil {
		return nil, err
	}

	select {
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		if !r.resp.Code.IsSuccess() {
			return r.resp, &ServerError{Code: r.resp.Code, Payload: r.resp.Payload}
		}
		return r.resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Get issues a confirmable GET.
func (c *Client) Get(ctx context.Context, path string, opts ...RequestOption) (*message.Message, error) {
	return c.do(ctx, c.newRequest(message.GET, path, nil, opts))
}

// Put issues a confirmable PUT carrying payload.
func (c *Client) Put(ctx context.Context, path string, payload []byte, opts ...RequestOption) (*message.Message, error) {
	return c.do(ctx, c.newRequest(message.PUT, path, payload, opts))
}

// Post issues a confirmable POST carrying payload.
func (c *Client) Post(ctx context.Context, path string, payload []byte, opts ...RequestOption) (*message.Message, error) {
	return c.do(ctx, c.newRequest(message.POST, path, payload, opts))
}

// Delete issues a confirmable DELETE.
func (c *Client) Delete(ctx context.Context, path string, opts ...RequestOption) (*message.Message, error) {
	return c.do(ctx, c.newRequest(message.DELETE, path, nil, opts))
}

// Observation is a live subscription to a remote observable resource.
type Observation struct {
	Notifications <-chan *message.Message
	token         message.Token
	client        *Client
}

// Cancel deregisters the observation by sending a plain GET for the same
// path without the Observe option, per RFC 7641 §3.6.
func (c *Observation) Cancel(ctx context.Context, path string) error {
	c.client.ep.UnregisterObservationHandler(c.client.remote, c.token)
	_, err := c.client.Get(ctx, path, WithToken(c.token))
	return err
}

type observationBridge struct {
	notifications chan *message.Message
	errors        chan error
}

func (b *observationBridge) Notify(n *message.Message) {
	select {
	case b.notifications <- n:
	default:
		// a slow consumer drops the oldest rather than block delivery for
		// every other registered observation on this endpoint.
		select {
		case <-b.notifications:
		default:
		}
		b.notifications <- n
	}
}

func (b *observationBridge) Terminate(err error) {
	b.errors <- err
	close(b.notifications)
}

// Observe registers interest in path and returns an Observation whose
// Notifications channel is closed when the relation terminates (spec §6
// "Observation handler contract").
func (c *Client) Observe(ctx context.Context, path string, opts ...RequestOption) (*Observation, error) {
	req := c.newRequest(message.GET, path, nil, opts)
	req.Options.SetObserve(0)

	bridge := &observationBridge{
		notifications: make(chan *message.Message, 16),
		errors:        make(chan error, 1),
	}
	c.ep.RegisterObservationHandler(c.remote, req.Token, bridge)

	resp, err := c.do(ctx, req)
	if err != nil {
		c.ep.UnregisterObservationHandler(c.remote, req.Token)
		return nil, err
	}
	if _, ok := resp.Options.Observe(); !ok {
		c.ep.UnregisterObservationHandler(c.remote, req.Token)
		return nil, fmt.Errorf("client: server did not confirm observe registration for %s", path)
	}

	return &Observation{Notifications: bridge.notifications, token: req.Token, client: c}, nil
}
