// Package statusserver expose en QUIC un instantané du registre des
// téléchargements. Chaque stream porte une requête et sa réponse, encodées
// par le package framing.
//
// Réponse : un Timestamp (date de l'instantané), un Struct d'en-tête
// {id, count}, puis count Struct, un par téléchargement.
package statusserver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"swarmd/internal/framing"
	"swarmd/internal/registry"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// ALPN du protocole d'état.
const ALPN = "swarmd-status"

const (
	defaultReadTimeout  = 10 * time.Second
	defaultWriteTimeout = 30 * time.Second
)

var (
	ErrServerClosed   = errors.New("status server is closed")
	ErrAlreadyStarted = errors.New("status server already started")
	ErrBadRequest     = errors.New("malformed status request")
)

// Snapshotter fournit les données servies. *registry.Registry l'implémente.
type Snapshotter interface {
	Snapshot() []registry.Status
}

type Config struct {
	ListenAddr   string
	TLSConfig    *tls.Config
	Source       Snapshotter
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Now          func() time.Time
	Logger       *slog.Logger
}

func (c *Config) setDefaults() {
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = defaultReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default().With("component", "statusserver")
	}
	if c.TLSConfig != nil && !containsString(c.TLSConfig.NextProtos, ALPN) {
		c.TLSConfig = c.TLSConfig.Clone()
		c.TLSConfig.NextProtos = append(c.TLSConfig.NextProtos, ALPN)
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

type Server struct {
	config   Config
	mu       sync.Mutex
	listener *quic.Listener
	cancel   context.CancelFunc
	closed   bool
	wg       sync.WaitGroup
}

func New(config Config) (*Server, error) {
	config.setDefaults()
	if config.TLSConfig == nil {
		return nil, errors.New("TLSConfig is mandatory for the status server")
	}
	if config.Source == nil {
		return nil, errors.New("a snapshot source is mandatory for the status server")
	}
	return &Server{config: config}, nil
}

// Start écoute puis accepte les connexions jusqu'à l'annulation de ctx ou
// l'appel de Stop. Il est bloquant.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServerClosed
	}
	if s.listener != nil {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	quicConf := &quic.Config{
		MaxIdleTimeout:       s.config.ReadTimeout + s.config.WriteTimeout,
		HandshakeIdleTimeout: 10 * time.Second,
	}
	listener, err := quic.ListenAddr(s.config.ListenAddr, s.config.TLSConfig, quicConf)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddr, err)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.listener = listener
	s.cancel = cancel
	s.mu.Unlock()
	s.config.Logger.Info("Status server listening", "address", listener.Addr().String())

	stop := context.AfterFunc(ctx, func() {
		s.closeListener()
	})
	defer stop()

	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			if s.isClosed() || ctx.Err() != nil || errors.Is(err, quic.ErrServerClosed) || errors.Is(err, net.ErrClosed) {
				s.config.Logger.Info("Status server accept loop ending", "reason", err)
				return nil
			}
			s.config.Logger.Error("Failed to accept QUIC connection", "error", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}
		s.wg.Add(1)
		go s.handleConnection(ctx, conn)
	}
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) closeListener() error {
	s.mu.Lock()
	s.closed = true
	l, cancel := s.listener, s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if l == nil {
		return nil
	}
	if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, quic.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop ferme l'écoute, coupe les connexions et attend la fin des streams
// en cours.
func (s *Server) Stop(ctx context.Context) error {
	err := s.closeListener()
	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-done:
		s.config.Logger.Info("Status server stopped")
	case <-ctx.Done():
		s.config.Logger.Warn("Status server stop timed out", "error", ctx.Err())
		return ctx.Err()
	}
	return err
}

// Addr renvoie l'adresse d'écoute, nil avant Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) handleConnection(ctx context.Context, conn quic.Connection) {
	defer s.wg.Done()
	logger := s.config.Logger.With("remote_addr", conn.RemoteAddr().String())
	defer func() {
		_ = conn.CloseWithError(quic.ApplicationErrorCode(0), "status handler finished")
	}()

	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			var appErr *quic.ApplicationError
			var idleErr *quic.IdleTimeoutError
			switch {
			case errors.As(err, &appErr) && appErr.Remote:
				logger.Debug("Connection closed by peer", "code", appErr.ErrorCode)
			case errors.As(err, &idleErr), ctx.Err() != nil:
				logger.Debug("Connection ended", "error", err)
			default:
				logger.Warn("Failed to accept stream", "error", err)
			}
			return
		}
		s.wg.Add(1)
		go s.handleStream(ctx, stream, logger)
	}
}

func (s *Server) handleStream(ctx context.Context, stream quic.Stream, logger *slog.Logger) {
	defer s.wg.Done()
	defer stream.Close()
	logger = logger.With("stream_id", stream.StreamID())

	reader := framing.NewMessageReader(stream, logger)
	writer := framing.NewMessageWriter(stream, logger)

	readCtx, cancel := context.WithTimeout(ctx, s.config.ReadTimeout)
	var req structpb.Struct
	err := reader.ReadMsg(readCtx, &req)
	cancel()
	if err != nil {
		logger.Warn("Failed to read status request", "error", err)
		stream.CancelRead(quic.StreamErrorCode(1))
		return
	}
	id, prefix, err := parseRequest(&req)
	if err != nil {
		logger.Warn("Rejecting status request", "error", err)
		stream.CancelWrite(quic.StreamErrorCode(1))
		return
	}

	taken := s.config.Now()
	var entries []*structpb.Struct
	for _, st := range s.config.Source.Snapshot() {
		if prefix != "" && !strings.HasPrefix(st.Path, prefix) {
			continue
		}
		e, err := statusStruct(st)
		if err != nil {
			logger.Error("Failed to encode status", "path", st.Path, "error", err)
			continue
		}
		entries = append(entries, e)
	}
	header, err := structpb.NewStruct(map[string]any{"id": id, "count": len(entries)})
	if err != nil {
		logger.Error("Failed to encode status header", "error", err)
		return
	}

	writeCtx, cancel := context.WithTimeout(ctx, s.config.WriteTimeout)
	defer cancel()
	if err := writer.WriteMsg(writeCtx, timestamppb.New(taken)); err != nil {
		logger.Warn("Failed to send snapshot time", "error", err)
		return
	}
	if err := writer.WriteMsg(writeCtx, header); err != nil {
		logger.Warn("Failed to send status header", "error", err)
		return
	}
	for _, e := range entries {
		if err := writer.WriteMsg(writeCtx, e); err != nil {
			logger.Warn("Failed to send status entry", "error", err)
			return
		}
	}
	logger.Debug("Status snapshot sent", "request_id", id, "entries", len(entries))
}

func parseRequest(req *structpb.Struct) (id, prefix string, err error) {
	fields := req.GetFields()
	id = fields["id"].GetStringValue()
	if _, perr := uuid.Parse(id); perr != nil {
		return "", "", fmt.Errorf("%w: bad id %q", ErrBadRequest, id)
	}
	return id, fields["prefix"].GetStringValue(), nil
}
