package natsbus

import (
	"fmt"
	"time"

	"github.com/mtzanidakis/docpipe/internal/config"
	natsserver "github.com/nats-io/nats-server/v2/server"
)

// Server is the embedded NATS server carrying pipeline events and operator
// IPC. Agent-to-agent traffic never leaves the in-process bus.
type Server struct {
	server *natsserver.Server
}

func New(cfg config.NATSConfig) (*Server, error) {
	opts := &natsserver.Options{
		Host:   cfg.Host,
		Port:   cfg.Port,
		NoLog:  true,
		NoSigs: true,
	}

	ns, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create nats server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("nats server not ready")
	}

	return &Server{server: ns}, nil
}

func (s *Server) ClientURL() string {
	return s.server.ClientURL()
}

func (s *Server) Close() {
	s.server.Shutdown()
	s.server.WaitForShutdown()
}
