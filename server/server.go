package server

import (
	"bufio"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/nickman/tsdblite/config"
	"github.com/nickman/tsdblite/errors"
	"github.com/nickman/tsdblite/ingest"
	"github.com/nickman/tsdblite/registry"
)

// Server accepts raw TCP connections on the unified port, classifies each
// by sniffing its first bytes and drives it through the matching pipeline:
// HTTP connections are served by the shared HTTP handler, plaintext
// connections feed the line decoder.
type Server struct {
	cfg      config.ServerConfig
	ingestor *ingest.Ingestor
	logger   *slog.Logger
	core     *registry.CoreMetrics

	httpServer *http.Server

	// decodeLog rate-limits bad-line logging so a misbehaving sender
	// cannot flood the log.
	decodeLog *rate.Limiter

	mu    sync.Mutex
	conns map[*trackedConn]struct{}

	ln       net.Listener
	running  atomic.Bool
	shutdown chan struct{}
	wg       sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithCoreMetrics wires the connection and ingestion counters.
func WithCoreMetrics(core *registry.CoreMetrics) Option {
	return func(s *Server) { s.core = core }
}

// New creates the unified listener. The handler serves every HTTP
// connection, whether it arrived plain or gzip-wrapped.
func New(cfg config.ServerConfig, ingestor *ingest.Ingestor, handler http.Handler, logger *slog.Logger, opts ...Option) *Server {
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = 4096
	}
	if cfg.MaxLineLength <= 0 {
		cfg.MaxLineLength = 1024
	}

	s := &Server{
		cfg:       cfg,
		ingestor:  ingestor,
		logger:    logger.With("component", "server"),
		decodeLog: rate.NewLimiter(rate.Every(time.Second), 5),
		conns:     make(map[*trackedConn]struct{}),
		shutdown:  make(chan struct{}),
		// One shared server for direct and multiplexed HTTP traffic.
		httpServer: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start binds the listener and launches the accept loop and idle watchdog.
func (s *Server) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.ErrAlreadyStarted
	}

	addr := net.JoinHostPort(s.cfg.Iface, fmt.Sprintf("%d", s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.running.Store(false)
		return errors.WrapFatal(err, "Server", "Start", "binding listener")
	}
	s.ln = ln

	s.wg.Add(1)
	go s.acceptLoop(ctx)

	if s.cfg.IdleCheckPeriod > 0 && s.cfg.IdleTimeout > 0 {
		s.wg.Add(1)
		go s.idleWatchdog()
	}

	s.logger.Info("listener started", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound listener address, usable after Start.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Stop closes the listener and every open connection, then waits for the
// connection goroutines to drain.
func (s *Server) Stop(timeout time.Duration) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	close(s.shutdown)
	if s.ln != nil {
		_ = s.ln.Close()
	}
	_ = s.httpServer.Close()

	s.mu.Lock()
	for tc := range s.conns {
		_ = tc.raw.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("listener stopped")
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrConnectionTimeout, "Server", "Stop", "draining connections")
	}
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
			}
			s.logger.Warn("accept failed", "error", err)
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}

		s.wg.Add(1)
		go s.handleConn(ctx, conn)
	}
}

// handleConn drives one connection through the sniff state machine:
// peek 5 bytes, unwrap gzip at most once, then hand off to the terminal
// pipeline.
func (s *Server) handleConn(ctx context.Context, raw net.Conn) {
	defer s.wg.Done()

	tc := newTrackedConn(raw)
	s.mu.Lock()
	s.conns[tc] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, tc)
		s.mu.Unlock()
		_ = raw.Close()
	}()

	reader := bufio.NewReaderSize(raw, s.cfg.ReadBufferSize)
	detectGzip := true

	for {
		head, err := reader.Peek(sniffLen)
		if len(head) < sniffLen {
			if err != nil && !errors.Is(err, io.EOF) {
				s.logger.Debug("connection closed before sniff", "remote", raw.RemoteAddr().String(), "error", err)
			}
			return
		}
		tc.touch()

		switch Sniff(head, detectGzip) {
		case Gzip:
			zr, err := gzip.NewReader(reader)
			if err != nil {
				s.countRejection()
				s.logger.Warn("gzip unwrap failed", "remote", raw.RemoteAddr().String(), "error", err)
				return
			}
			reader = bufio.NewReaderSize(zr, s.cfg.ReadBufferSize)
			detectGzip = false

		case HTTP:
			s.serveHTTP(raw, reader)
			return

		case Plaintext:
			s.servePlaintext(ctx, tc, reader)
			return

		case Reject:
			s.countRejection()
			s.logger.Warn("unrecognized protocol, closing",
				"remote", raw.RemoteAddr().String(),
				"head", fmt.Sprintf("%x", head[:2]))
			return
		}
	}
}

// serveHTTP hands the sniffed connection to the shared HTTP server through
// a one-shot listener and blocks until the connection closes.
func (s *Server) serveHTTP(raw net.Conn, reader *bufio.Reader) {
	s.countOpen("http")
	defer s.countClosed("http")

	bc := newBufferedConn(raw, reader)
	lis := &oneShotListener{conn: bc}
	// Serve returns once the one-shot accept is exhausted; the connection
	// itself is still being served on the HTTP server's goroutine.
	if err := s.httpServer.Serve(lis); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Debug("http handoff ended", "error", err)
	}
	<-bc.closed
}

// servePlaintext reads newline-delimited trace lines until the connection
// closes. Decode failures are counted and rate-limit logged; the connection
// stays open. Over-long lines are discarded to the next newline.
func (s *Server) servePlaintext(ctx context.Context, tc *trackedConn, reader *bufio.Reader) {
	s.countOpen("plaintext")
	defer s.countClosed("plaintext")

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.shutdown:
			return
		default:
		}

		line, err := s.readLine(reader)
		if err != nil {
			if errors.Is(err, errors.ErrLineTooLong) {
				s.countDecodeError("plaintext")
				if s.decodeLog.Allow() {
					s.logger.Warn("line exceeds maximum length, discarded",
						"remote", tc.raw.RemoteAddr().String(), "max", s.cfg.MaxLineLength)
				}
				continue
			}
			if !errors.Is(err, io.EOF) {
				s.logger.Debug("plaintext read ended", "remote", tc.raw.RemoteAddr().String(), "error", err)
			}
			return
		}
		tc.touch()

		if strings.TrimSpace(line) == "" {
			continue
		}
		if err := s.ingestor.IngestLine(line); err != nil {
			s.countDecodeError("plaintext")
			if s.decodeLog.Allow() {
				s.logger.Warn("trace line rejected", "remote", tc.raw.RemoteAddr().String(), "error", err)
			}
			continue
		}
		if s.core != nil {
			s.core.TracesIngested.WithLabelValues("plaintext").Inc()
		}
	}
}

// readLine returns the next newline-terminated line. Lines longer than
// MaxLineLength are consumed and dropped with ErrLineTooLong.
func (s *Server) readLine(reader *bufio.Reader) (string, error) {
	var buf []byte
	for {
		chunk, err := reader.ReadSlice('\n')
		buf = append(buf, chunk...)

		if err == nil || errors.Is(err, io.EOF) {
			if len(buf) == 0 && errors.Is(err, io.EOF) {
				return "", io.EOF
			}
			line := strings.TrimRight(string(buf), "\r\n")
			if len(line) > s.cfg.MaxLineLength {
				return "", errors.ErrLineTooLong
			}
			if err != nil && line == "" {
				return "", io.EOF
			}
			return line, nil
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			if len(buf) > s.cfg.MaxLineLength {
				// Already past the cap: drain to the next newline.
				if derr := s.discardLine(reader); derr != nil {
					return "", derr
				}
				return "", errors.ErrLineTooLong
			}
			continue
		}
		return "", err
	}
}

func (s *Server) discardLine(reader *bufio.Reader) error {
	for {
		_, err := reader.ReadSlice('\n')
		if err == nil {
			return nil
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return err
	}
}

// idleWatchdog periodically scans open connections and logs those past the
// idle window. Idle connections are not closed.
func (s *Server) idleWatchdog() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.IdleCheckPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case now := <-ticker.C:
			s.mu.Lock()
			idle := make([]*trackedConn, 0)
			for tc := range s.conns {
				if tc.idleFor(now) > s.cfg.IdleTimeout && tc.idleLogged.CompareAndSwap(false, true) {
					idle = append(idle, tc)
				}
			}
			s.mu.Unlock()

			for _, tc := range idle {
				s.logger.Warn("connection idle",
					"remote", tc.raw.RemoteAddr().String(),
					"idle", tc.idleFor(now).Round(time.Second).String())
			}
		}
	}
}

func (s *Server) countOpen(protocol string) {
	if s.core == nil {
		return
	}
	s.core.ConnectionsOpen.WithLabelValues(protocol).Inc()
	s.core.ConnectionsTotal.WithLabelValues(protocol).Inc()
}

func (s *Server) countClosed(protocol string) {
	if s.core != nil {
		s.core.ConnectionsOpen.WithLabelValues(protocol).Dec()
	}
}

func (s *Server) countRejection() {
	if s.core != nil {
		s.core.ProtocolRejections.Inc()
	}
}

func (s *Server) countDecodeError(transport string) {
	if s.core != nil {
		s.core.DecodeErrors.WithLabelValues(transport).Inc()
	}
}
