package control

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"syscall"

	"github.com/HeltonPojo/Trabalho-de-Conclus-o-de-Curso/internal/types"
)

// Broadcaster sends a command to every configured node. Delivery is fire-and-forget.
type Broadcaster struct {
	log *slog.Logger

	mu      sync.Mutex
	conn    net.PacketConn
	clients []*net.UDPAddr
}

// NewBroadcaster resolves every client address up front.
// conn may be shared with the server's ingestion socket.
func NewBroadcaster(conn net.PacketConn, clients []string, logger *slog.Logger) (*Broadcaster, error) {
	resolved := make([]*net.UDPAddr, 0, len(clients))
	for _, c := range clients {
		addr, err := net.ResolveUDPAddr("udp", c)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve client %s: %w", c, err)
		}
		resolved = append(resolved, addr)
	}
	return &Broadcaster{log: logger, conn: conn, clients: resolved}, nil
}

// Clients returns the number of configured nodes.
func (b *Broadcaster) Clients() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Broadcast sends cmd to every client and returns how many sends succeeded.
func (b *Broadcaster) Broadcast(cmd types.Command) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn == nil {
		b.log.Warn("broadcast skipped, socket closed", "command", string(cmd))
		return 0
	}

	sent := 0
	msg := []byte(cmd)
	for _, addr := range b.clients {
		if _, err := b.conn.WriteTo(msg, addr); err != nil {
			if errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EWOULDBLOCK) {
				b.log.Warn("resource temporarily unavailable", "client", addr.String())
				continue
			}
			b.log.Error("failed to notify client", "client", addr.String(), "error", err)
			continue
		}
		sent++
		b.log.Debug("broadcast sent", "command", string(cmd), "client", addr.String())
	}

	b.log.Info("broadcast completed", "command", string(cmd), "sent", sent, "total", len(b.clients))
	return sent
}

// Detach stops further broadcasts on a socket that is about to be closed.
func (b *Broadcaster) Detach() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conn = nil
}
