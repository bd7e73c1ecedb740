// Package grpcserver hosts a scoring model over gRPC so evaluation shards
// on other machines can share one model instance.
package grpcserver

import (
	"context"
	"fmt"
	"net"
	"os"
	"runtime"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	"github.com/linkrank/linkrank/internal/model"
	"github.com/linkrank/linkrank/internal/pkg/logger"
)

// Config holds the gRPC server configuration.
type Config struct {
	// TCPAddr is the TCP address to listen on (e.g., ":50051").
	TCPAddr string

	// UnixSocketPath is the Unix socket path for local connections.
	// Empty string disables Unix socket listening.
	UnixSocketPath string

	// MaxRecvMsgSize is the maximum request size in bytes.
	MaxRecvMsgSize int

	// MaxSendMsgSize is the maximum response size in bytes.
	MaxSendMsgSize int
}

// DefaultConfig returns sensible defaults. Candidate batches of large
// vocabularies are big, hence the 256MB message bound.
func DefaultConfig() Config {
	return Config{
		TCPAddr:        ":50051",
		MaxRecvMsgSize: 256 * 1024 * 1024,
		MaxSendMsgSize: 256 * 1024 * 1024,
	}
}

// Server serves one scorer.
type Server struct {
	cfg        Config
	log        *logger.Logger
	scorer     model.Scorer
	grpcServer *grpc.Server

	tcpListener  net.Listener
	unixListener net.Listener
}

// New creates a server for scorer. Zero message sizes take the defaults.
func New(cfg Config, log *logger.Logger, scorer model.Scorer) *Server {
	def := DefaultConfig()
	if cfg.TCPAddr == "" && cfg.UnixSocketPath == "" {
		cfg.TCPAddr = def.TCPAddr
	}
	if cfg.MaxRecvMsgSize <= 0 {
		cfg.MaxRecvMsgSize = def.MaxRecvMsgSize
	}
	if cfg.MaxSendMsgSize <= 0 {
		cfg.MaxSendMsgSize = def.MaxSendMsgSize
	}
	if log == nil {
		log = logger.Default()
	}

	return &Server{
		cfg:    cfg,
		log:    log,
		scorer: scorer,
	}
}

// Start listens on TCP and, when configured, a Unix socket.
func (s *Server) Start() error {
	opts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(s.cfg.MaxRecvMsgSize),
		grpc.MaxSendMsgSize(s.cfg.MaxSendMsgSize),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle: 5 * time.Minute,
			Time:              10 * time.Second,
			Timeout:           3 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.ChainUnaryInterceptor(s.logCalls),
	}

	s.grpcServer = grpc.NewServer(opts...)
	model.RegisterScoringServer(s.grpcServer, s.scorer)

	if s.cfg.TCPAddr != "" {
		tcpLis, err := net.Listen("tcp", s.cfg.TCPAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on TCP %s: %w", s.cfg.TCPAddr, err)
		}
		s.tcpListener = tcpLis
		s.log.Info("gRPC scorer listening on TCP", "addr", tcpLis.Addr().String())

		go func() {
			if err := s.grpcServer.Serve(tcpLis); err != nil {
				s.log.Error("TCP server error", "error", err)
			}
		}()
	}

	if s.cfg.UnixSocketPath != "" && runtime.GOOS != "windows" {
		_ = os.Remove(s.cfg.UnixSocketPath)

		unixLis, err := net.Listen("unix", s.cfg.UnixSocketPath)
		if err != nil {
			s.log.Warn("Failed to listen on Unix socket", "path", s.cfg.UnixSocketPath, "error", err)
		} else {
			s.unixListener = unixLis
			_ = os.Chmod(s.cfg.UnixSocketPath, 0666)
			s.log.Info("gRPC scorer listening on Unix socket", "path", s.cfg.UnixSocketPath)

			go func() {
				if err := s.grpcServer.Serve(unixLis); err != nil {
					s.log.Error("Unix socket server error", "error", err)
				}
			}()
		}
	}

	if s.tcpListener == nil && s.unixListener == nil {
		s.grpcServer.Stop()
		return fmt.Errorf("no listener started")
	}
	return nil
}

// Addr returns the bound TCP address, or "" when TCP is off.
func (s *Server) Addr() string {
	if s.tcpListener == nil {
		return ""
	}
	return s.tcpListener.Addr().String()
}

// Stop gracefully stops the gRPC server.
func (s *Server) Stop() {
	if s.grpcServer != nil {
		s.log.Info("Stopping gRPC scorer...")
		s.grpcServer.GracefulStop()
	}

	if s.cfg.UnixSocketPath != "" {
		_ = os.Remove(s.cfg.UnixSocketPath)
	}
}

func (s *Server) logCalls(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	if err != nil {
		s.log.Warn("scoring call failed",
			"method", info.FullMethod,
			"code", status.Code(err).String(),
			"duration", time.Since(start),
			"error", err.Error(),
		)
		return resp, err
	}
	s.log.Debug("scoring call", "method", info.FullMethod, "duration", time.Since(start))
	return resp, nil
}
