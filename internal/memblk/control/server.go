// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package control

import (
	"bufio"
	"io"
	"net"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/asch/memblk/internal/memblk/seq"
)

// Largest frame on the stream, the control request with full payload.
const maxFrameSize = 4 + HeaderSize + MaxBufSize

// Server accepts control connections on a unix socket. Every frame on the
// stream is prefixed by its length as little endian u32.
type Server struct {
	dispatcher *Dispatcher
	listener   net.Listener

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// Listen creates the socket at path, replacing a stale one, and returns the
// server. Only the owner can connect.
func Listen(path string, d *Dispatcher) (*Server, error) {
	if err := unix.Unlink(path); err != nil && !errors.Is(err, unix.ENOENT) {
		return nil, errors.Wrapf(err, "remove stale socket %s", path)
	}

	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, errors.Wrapf(err, "listen on %s", path)
	}

	if err := unix.Chmod(path, 0600); err != nil {
		l.Close()
		return nil, errors.Wrapf(err, "chmod %s", path)
	}

	return NewServer(l, d), nil
}

// NewServer serves control requests from connections accepted by l.
func NewServer(l net.Listener, d *Dispatcher) *Server {
	return &Server{
		dispatcher: d,
		listener:   l,
		conns:      make(map[net.Conn]struct{}),
	}
}

// Serve accepts connections until Close is called.
func (s *Server) Serve() error {
	log.Info().Stringer("addr", s.listener.Addr()).Msg("Control server listening.")

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return errors.Wrap(err, "accept")
		}

		if !s.track(conn) {
			conn.Close()
			return nil
		}

		go func() {
			defer s.untrack(conn)
			s.ServeConn(conn)
		}()
	}
}

// Close stops accepting, closes open connections and waits for handlers.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	err := s.listener.Close()
	s.wg.Wait()

	return err
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)

	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()

	conn.Close()
	s.wg.Done()
}

// ServeConn handles requests on conn one after another until the peer
// hangs up or sends something unreadable.
func (s *Server) ServeConn(conn net.Conn) {
	r := bufio.NewReader(conn)

	for {
		frame, err := readFrame(r)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Debug().Err(err).Msg("Control connection dropped.")
			}
			return
		}

		if err := writeFrame(conn, s.handle(frame)); err != nil {
			log.Debug().Err(err).Msg("Control reply not sent.")
			return
		}
	}
}

// Returns the reply frame for the request frame.
func (s *Server) handle(frame []byte) []byte {
	id := seq.Next()
	logger := log.With().Uint64("req", id).Logger()

	if len(frame) < 4 {
		logger.Debug().Int("len", len(frame)).Msg("Request too short.")
		return EncodeReply(RetFault, &Envelope{})
	}

	switch req := le.Uint32(frame); req {
	case ReqVersion:
		if len(frame) != 4 {
			logger.Debug().Int("len", len(frame)).Msg("Version request with payload.")
			return EncodeReply(RetFault, &Envelope{})
		}

		b := make([]byte, 4)
		le.PutUint32(b, Version)

		return b

	case ReqControl:
		env, err := DecodeRequest(frame[4:])
		if err != nil {
			logger.Debug().Err(err).Msg("Rejected control request.")
			return EncodeReply(RetFault, &Envelope{})
		}

		logger.Debug().Stringer("cmd", env.Command).Msg("Control request.")

		err = s.dispatcher.Dispatch(env)
		ret := Ret(err)
		if err != nil {
			logger.Debug().Err(err).Int32("ret", ret).Int32("error", env.Error).Msg("Control request failed.")
		}

		return EncodeReply(ret, env)

	default:
		logger.Debug().Uint32("kind", req).Msg("Unknown request.")
		return EncodeReply(RetNoTTY, &Envelope{})
	}
}

func readFrame(r io.Reader) ([]byte, error) {
	var size [4]byte
	if _, err := io.ReadFull(r, size[:]); err != nil {
		return nil, err
	}

	n := le.Uint32(size[:])
	if n > maxFrameSize {
		return nil, errors.Wrapf(ErrMalformed, "frame of %d bytes", n)
	}

	frame := make([]byte, n)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, errors.Wrap(err, "short frame")
	}

	return frame, nil
}

func writeFrame(w io.Writer, frame []byte) error {
	b := make([]byte, 4+len(frame))
	le.PutUint32(b, uint32(len(frame)))
	copy(b[4:], frame)

	_, err := w.Write(b)

	return err
}
