package logapi

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

const (
	// SocketName is the local diagnostics socket filename, created in
	// the working directory.
	SocketName = ".seraph.sock"

	socketMode    = 0o600
	socketRWLimit = 5 * time.Second
)

// SocketServer answers local diagnostic commands on a unix stream
// socket. Only `get_logs` is recognized.
type SocketServer struct {
	path   string
	agent  Agent
	logger log.Logger
	ln     net.Listener
}

// NewSocketServer prepares a socket server at path.
func NewSocketServer(path string, agent Agent, logger log.Logger) *SocketServer {
	return &SocketServer{
		path:   path,
		agent:  agent,
		logger: logger.With("component", "socket"),
	}
}

// Start listens on the socket and serves until ctx ends. The socket file
// is removed on shutdown.
func (s *SocketServer) Start(ctx context.Context) error {
	// a stale socket from an unclean shutdown blocks the bind
	_ = os.Remove(s.path)

	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return err
	}
	if err := os.Chmod(s.path, socketMode); err != nil {
		_ = ln.Close()
		return err
	}
	s.ln = ln
	s.logger.Info(ctx, "diagnostics socket listening", "path", s.path)

	go func() {
		<-ctx.Done()
		_ = ln.Close()
		_ = os.Remove(s.path)
	}()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Warn(ctx, "socket accept failed", "error", err)
				return
			}
			go s.serve(ctx, conn)
		}
	}()
	return nil
}

func (s *SocketServer) serve(ctx context.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Now().Add(socketRWLimit))

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && line == "" {
		return
	}

	switch strings.TrimSpace(line) {
	case "get_logs":
		out, err := json.Marshal(s.agent.RecentLogs())
		if err != nil {
			s.logger.Error(ctx, err, "socket marshal failed")
			return
		}
		_, _ = conn.Write(append(out, '\n'))
	default:
		_, _ = conn.Write([]byte(`{"error":"unknown command"}` + "\n"))
	}
}
