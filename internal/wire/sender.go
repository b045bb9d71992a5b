package wire

import (
	"fmt"
	"net"
	"time"

	"github.com/HeltonPojo/Trabalho-de-Conclus-o-de-Curso/internal/types"
)

// Sender transmits frame messages to the server.
type Sender interface {
	Send(msg types.FrameMessage) error
	Close() error
}

// NewSender returns the sender for the session protocol ("udp" or "tcp").
func NewSender(protocol, addr string) (Sender, error) {
	switch protocol {
	case "udp":
		conn, err := net.Dial("udp", addr)
		if err != nil {
			return nil, fmt.Errorf("failed to dial udp %s: %w", addr, err)
		}
		return &UDPSender{conn: conn}, nil
	case "tcp":
		return &TCPSender{addr: addr, dialTimeout: 5 * time.Second}, nil
	default:
		return nil, fmt.Errorf("unsupported protocol %q", protocol)
	}
}

// UDPSender writes the header datagram followed by the payload datagram.
type UDPSender struct {
	conn net.Conn
}

func (s *UDPSender) Send(msg types.FrameMessage) error {
	header, payload, err := EncodeUDP(msg)
	if err != nil {
		return err
	}
	if _, err := s.conn.Write(header); err != nil {
		return fmt.Errorf("udp header: %w", err)
	}
	if _, err := s.conn.Write(payload); err != nil {
		return fmt.Errorf("udp payload: %w", err)
	}
	return nil
}

func (s *UDPSender) Close() error {
	return s.conn.Close()
}

// TCPSender keeps one stream open and redials after a failed write.
// A message that failed to write is not retried.
type TCPSender struct {
	addr        string
	dialTimeout time.Duration
	conn        net.Conn
}

func (s *TCPSender) Send(msg types.FrameMessage) error {
	frame, err := EncodeTCP(msg)
	if err != nil {
		return err
	}
	if s.conn == nil {
		conn, err := net.DialTimeout("tcp", s.addr, s.dialTimeout)
		if err != nil {
			return fmt.Errorf("failed to dial tcp %s: %w", s.addr, err)
		}
		s.conn = conn
	}
	if _, err := s.conn.Write(frame); err != nil {
		s.conn.Close()
		s.conn = nil
		return fmt.Errorf("tcp write: %w", err)
	}
	return nil
}

func (s *TCPSender) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}
