package hl7v2

import (
	"bytes"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// MLLP framing bytes.
const (
	StartBlock     = 0x0B
	EndBlock       = 0x1C
	CarriageReturn = 0x0D

	maxMessageSize = 1 << 20
	readTimeout    = 30 * time.Second
)

// Handler processes one parsed message and returns the ACK/NAK to send, or
// nil for no response. The message is acknowledged before downstream
// processing completes; delivery into the core is the handler's job.
type Handler func(msg *Message) *Message

// Server listens for MLLP-framed HL7v2 messages on a TCP port.
type Server struct {
	addr     string
	handler  Handler
	listener net.Listener
	log      zerolog.Logger

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	done  chan struct{}
	wg    sync.WaitGroup
}

func NewServer(addr string, handler Handler, log zerolog.Logger) *Server {
	return &Server{
		addr:    addr,
		handler: handler,
		log:     log.With().Str("component", "mllp").Logger(),
		conns:   make(map[net.Conn]struct{}),
		done:    make(chan struct{}),
	}
}

// Start begins accepting connections; the accept loop runs in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("mllp: listening on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.log.Info().Str("addr", ln.Addr().String()).Msg("hl7 listener up")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop()
	}()
	return nil
}

// Stop closes the listener and every open connection, then waits for the
// handlers to drain.
func (s *Server) Stop() error {
	close(s.done)
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return err
}

// Addr returns the bound listener address (useful with port 0).
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
			default:
				s.log.Error().Err(err).Msg("accept failed")
			}
			return
		}
		s.track(conn, true)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.track(conn, false)
			defer conn.Close()
			s.serveConn(conn)
		}()
	}
}

func (s *Server) track(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	buf := make([]byte, 0, 4096)
	readBuf := make([]byte, 4096)

	for {
		select {
		case <-s.done:
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, err := conn.Read(readBuf)
		if n > 0 {
			buf = append(buf, readBuf[:n]...)
			if len(buf) > maxMessageSize {
				s.log.Warn().Msg("message exceeds size cap, closing connection")
				return
			}
			for {
				msgBytes, rest, found := Unframe(buf)
				if !found {
					break
				}
				buf = rest
				s.dispatch(conn, msgBytes)
			}
		}
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				if len(buf) == 0 {
					return
				}
				continue
			}
			return
		}
	}
}

func (s *Server) dispatch(conn net.Conn, raw []byte) {
	msg, err := Parse(raw)
	if err != nil {
		s.log.Warn().Err(err).Msg("unparseable message")
		return
	}
	resp := s.handler(msg)
	if resp == nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if _, err := conn.Write(Frame(Serialize(resp))); err != nil {
		s.log.Error().Err(err).Msg("writing ack failed")
	}
}

// Frame wraps a message in MLLP framing: <VT> message <FS><CR>.
func Frame(data []byte) []byte {
	out := make([]byte, 0, len(data)+3)
	out = append(out, StartBlock)
	out = append(out, data...)
	out = append(out, EndBlock, CarriageReturn)
	return out
}

// Unframe extracts one complete message from the buffer, returning the
// message bytes, the remaining buffer, and whether a full frame was present.
func Unframe(data []byte) (message, rest []byte, found bool) {
	start := bytes.IndexByte(data, StartBlock)
	if start == -1 {
		return nil, data, false
	}
	end := bytes.Index(data[start+1:], []byte{EndBlock, CarriageReturn})
	if end == -1 {
		return nil, data, false
	}
	end = start + 1 + end
	return data[start+1 : end], data[end+2:], true
}
