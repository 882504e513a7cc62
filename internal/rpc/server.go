package rpc

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	// readTimeout bounds how long a client may take to send its request.
	readTimeout = 30 * time.Second
	// writeTimeout bounds writing the reply.
	writeTimeout = 10 * time.Second
	// maxRequestSize caps one request; run_script payloads are the largest.
	maxRequestSize = 1024 * 1024

	queueDepth = 64
)

// Goodbye is the reply sent to requests still queued when the server closes.
var Goodbye = []string{"goodbye"}

// Busy is the reply to a second request from a requester that already has
// one in flight.
var Busy = []string{"busy", "request already in flight"}

// Server accepts requests and queues them for a single dispatcher.
type Server struct {
	listener net.Listener
	logger   zerolog.Logger
	queue    chan *Pending

	mu       sync.Mutex
	inflight map[string]struct{}

	closed    chan struct{}
	closeOnce sync.Once

	activeConnections sync.WaitGroup
}

// Listen binds addr. Failing to bind is fatal for a server so the error is
// returned unchanged apart from context.
func Listen(addr string, logger zerolog.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "bind %s", addr)
	}
	return &Server{
		listener: ln,
		logger:   logger,
		queue:    make(chan *Pending, queueDepth),
		inflight: map[string]struct{}{},
		closed:   make(chan struct{}),
	}, nil
}

// Addr is the bound address.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Serve accepts connections until ctx is cancelled or Close is called, then
// waits for open connections to finish.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.closed:
		}
	}()
	s.logger.Info().Str("addr", s.Addr().String()).Msg("rpc server listening")

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error().Err(err).Msg("accept failed")
			continue
		}
		s.activeConnections.Add(1)
		go func() {
			defer s.activeConnections.Done()
			s.handleConnection(ctx, conn)
		}()
	}
	s.activeConnections.Wait()
	return nil
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

	var req Request
	if err := decode(io.LimitReader(conn, maxRequestSize), &req); err != nil {
		if !errors.Is(err, io.EOF) {
			s.logger.Debug().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("invalid request")
		}
		return
	}
	if !s.enter(req.Requester) {
		s.write(conn, Reply{Destination: req.Requester, Parts: Busy})
		return
	}
	defer s.leave(req.Requester)

	p := &Pending{Request: req, reply: make(chan []string, 1)}
	select {
	case s.queue <- p:
	case <-s.closed:
		s.write(conn, Reply{Destination: req.Requester, Parts: Goodbye})
		return
	case <-ctx.Done():
		return
	}

	var parts []string
	select {
	case parts = <-p.reply:
	case <-s.closed:
		select {
		case parts = <-p.reply:
		default:
			parts = Goodbye
		}
	}
	if parts == nil {
		// A quiet request: close without a reply.
		return
	}
	s.write(conn, Reply{Destination: req.Requester, Parts: parts})
}

func (s *Server) write(conn net.Conn, reply Reply) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := encode(conn, reply); err != nil {
		s.logger.Debug().Err(err).Msg("failed to write reply")
	}
}

func (s *Server) enter(requester string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if requester == "" {
		return true
	}
	if _, busy := s.inflight[requester]; busy {
		return false
	}
	s.inflight[requester] = struct{}{}
	return true
}

func (s *Server) leave(requester string) {
	s.mu.Lock()
	delete(s.inflight, requester)
	s.mu.Unlock()
}

// Poll waits up to timeout for the next request. It returns false when the
// timeout passes, ctx is done or the server is closed.
func (s *Server) Poll(ctx context.Context, timeout time.Duration) (*Pending, bool) {
	select {
	case p := <-s.queue:
		return p, true
	default:
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case p := <-s.queue:
		return p, true
	case <-timer.C:
	case <-ctx.Done():
	case <-s.closed:
	}
	return nil, false
}

// Close stops accepting, answers every queued request with Goodbye and
// releases connections waiting for a reply.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.listener.Close()
		for {
			select {
			case p := <-s.queue:
				p.Reply(Goodbye)
			default:
				return
			}
		}
	})
	return err
}

// Pending is a request waiting for the dispatcher's answer.
type Pending struct {
	Request
	reply chan []string
	once  sync.Once
}

// Reply hands parts to the waiting connection. It never blocks; only the
// first call has an effect. A nil slice closes the connection without a
// reply.
func (p *Pending) Reply(parts []string) {
	p.once.Do(func() {
		p.reply <- parts
	})
}
