package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/HeltonPojo/Trabalho-de-Conclus-o-de-Curso/internal/types"
)

// pollInterval bounds how long a blocked read waits before checking the context.
const pollInterval = 500 * time.Millisecond

// Listener receives command datagrams on a node's transmission address.
type Listener struct {
	conn net.PacketConn
	log  *slog.Logger
}

// Listen binds the command socket at addr.
func Listen(addr string, logger *slog.Logger) (*Listener, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind command socket %s: %w", addr, err)
	}
	return &Listener{conn: conn, log: logger}, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr {
	return l.conn.LocalAddr()
}

// Close releases the socket.
func (l *Listener) Close() error {
	return l.conn.Close()
}

// Run delivers every recognised command on out until an exit command has been
// delivered or ctx is cancelled. Unknown tokens are logged and dropped.
func (l *Listener) Run(ctx context.Context, out chan<- types.Command) error {
	buf := make([]byte, MaxCommandLen)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		l.conn.SetReadDeadline(time.Now().Add(pollInterval))
		n, from, err := l.conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			l.log.Warn("command receive failed", "error", err)
			continue
		}
		if n == 0 {
			continue
		}

		cmd, ok := ParseCommand(string(buf[:n]))
		if !ok {
			l.log.Warn("unrecognized command ignored", "token", string(buf[:n]), "from", from.String())
			continue
		}
		l.log.Info("command received", "command", string(cmd), "from", from.String())

		select {
		case out <- cmd:
		case <-ctx.Done():
			return ctx.Err()
		}
		if cmd == types.CommandExit {
			return nil
		}
	}
}
