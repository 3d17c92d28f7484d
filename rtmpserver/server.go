// Package rtmpserver runs the TCP accept loop: one net.Listener handing
// each accepted connection to its own session.Session, sharing a single
// Registry across every connection the process serves.
package rtmpserver

import (
	"context"
	"net"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/jfcarter/rtmp-server/config"
	"github.com/jfcarter/rtmp-server/internal/registry"
	"github.com/jfcarter/rtmp-server/internal/session"
)

// Server listens for incoming RTMP connections and drives one Session
// per accepted net.Conn until its context is canceled. Accept errors are
// logged and accepting continues.
type Server struct {
	cfg  config.Config
	log  *zap.Logger
	reg  *registry.Registry
	ln   net.Listener
}

// New builds a Server ready to Serve. It does not bind the listener yet.
func New(log *zap.Logger, cfg config.Config) *Server {
	return &Server{
		cfg: cfg,
		log: log,
		reg: registry.New(cfg.GopCacheMaxPackets, cfg.GopCacheMaxBytes),
	}
}

// Serve binds cfg.ListenAddr and accepts connections until ctx is
// canceled, at which point the listener is closed and Serve returns.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return errors.Wrap(err, "rtmpserver: listen")
	}
	s.ln = ln
	s.log.Info("listening", zap.String("addr", s.cfg.ListenAddr))

	go func() {
		<-ctx.Done()
		_ = s.ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			s.log.Error("accept failed", zap.Error(err))
			continue
		}
		go s.serveConn(ctx, conn)
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	sess := session.New(s.log, s.cfg, s.reg, conn)
	s.log.Info("session started",
		zap.String("session_id", sess.ID()),
		zap.String("remote_addr", conn.RemoteAddr().String()))

	err := sess.Serve(ctx)
	if err != nil {
		s.log.Info("session ended",
			zap.String("session_id", sess.ID()),
			zap.Error(err))
		return
	}
	s.log.Info("session ended", zap.String("session_id", sess.ID()))
}
