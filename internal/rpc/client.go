package rpc

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/ksuid"
	"golang.org/x/sync/errgroup"
)

// ErrTimeout marks a call that got no reply in time.
var ErrTimeout = errors.New("rpc timeout")

// TimeoutSentinel fills fan-out slots of servers that did not answer.
const TimeoutSentinel = "timeout"

// DefaultPort is where servers listen unless told otherwise.
const DefaultPort = 50000

// Endpoint is one server. SSH endpoints are reached through a local tunnel.
type Endpoint struct {
	Addr string `yaml:"addr"`
	Port int    `yaml:"port"`
	SSH  bool   `yaml:"ssh"`
}

// DialAddr is the host:port the client connects to.
func (e Endpoint) DialAddr() string {
	port := e.Port
	if port == 0 {
		port = DefaultPort
	}
	host := e.Addr
	if e.SSH {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// Status summarizes a fan-out.
type Status int

const (
	StatusNone Status = iota
	StatusSome
	StatusAll
)

func (s Status) String() string {
	switch s {
	case StatusAll:
		return "all"
	case StatusSome:
		return "some"
	}
	return "none"
}

// FanOutResult has exactly one slot per endpoint, in endpoint order.
type FanOutResult struct {
	Replies  [][]string
	Errors   []error
	Answered int
	Status   Status
}

// Client talks to a fixed list of servers.
type Client struct {
	endpoints []Endpoint
	locks     []sync.Mutex
	requester string
	timeout   time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout bounds every call.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithRequester fixes the requester identity instead of a random one.
func WithRequester(id string) Option {
	return func(c *Client) {
		if id != "" {
			c.requester = id
		}
	}
}

// NewClient builds a client. The requester identity is a fresh KSUID.
func NewClient(endpoints []Endpoint, opts ...Option) *Client {
	c := &Client{
		endpoints: append([]Endpoint(nil), endpoints...),
		locks:     make([]sync.Mutex, len(endpoints)),
		requester: ksuid.New().String(),
		timeout:   5 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Endpoints returns the configured servers.
func (c *Client) Endpoints() []Endpoint { return append([]Endpoint(nil), c.endpoints...) }

// Requester is the identity replies are addressed to.
func (c *Client) Requester() string { return c.requester }

// Timeout is the per-call deadline.
func (c *Client) Timeout() time.Duration { return c.timeout }

// Call sends parts to endpoint i and waits for its reply. Calls to the same
// endpoint are serialized so there is never more than one in flight.
func (c *Client) Call(ctx context.Context, i int, parts []string) ([]string, error) {
	if i < 0 || i >= len(c.endpoints) {
		return nil, errors.Errorf("no endpoint %d", i)
	}
	c.locks[i].Lock()
	defer c.locks[i].Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	addr := c.endpoints[i].DialAddr()
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, c.wrap(ctx, err, addr)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	if err := encode(conn, Request{Requester: c.requester, Parts: parts}); err != nil {
		return nil, c.wrap(ctx, err, addr)
	}
	var reply Reply
	if err := decode(conn, &reply); err != nil {
		return nil, c.wrap(ctx, err, addr)
	}
	if reply.Destination != c.requester {
		return nil, errors.Errorf("reply from %s addressed to %q", addr, reply.Destination)
	}
	return reply.Parts, nil
}

func (c *Client) wrap(ctx context.Context, err error, addr string) error {
	var ne net.Error
	if ctx.Err() != nil || (errors.As(err, &ne) && ne.Timeout()) {
		return errors.Wrapf(ErrTimeout, "%s: %v", addr, err)
	}
	return errors.Wrapf(err, "call %s", addr)
}

// FanOut sends the same parts to every endpoint concurrently. Slots of
// endpoints that fail or time out hold the timeout sentinel.
func (c *Client) FanOut(ctx context.Context, parts []string) FanOutResult {
	n := len(c.endpoints)
	res := FanOutResult{Replies: make([][]string, n), Errors: make([]error, n)}
	var g errgroup.Group
	for i := range c.endpoints {
		g.Go(func() error {
			reply, err := c.Call(ctx, i, parts)
			if err != nil {
				res.Replies[i] = []string{TimeoutSentinel}
				res.Errors[i] = err
				return nil
			}
			res.Replies[i] = reply
			return nil
		})
	}
	_ = g.Wait()
	for _, err := range res.Errors {
		if err == nil {
			res.Answered++
		}
	}
	switch {
	case n > 0 && res.Answered == n:
		res.Status = StatusAll
	case res.Answered > 0:
		res.Status = StatusSome
	default:
		res.Status = StatusNone
	}
	return res
}
