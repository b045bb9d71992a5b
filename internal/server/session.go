// Package server owns the server side of a re-identification session: the
// ingestion socket, the matching workers and the operator console.
package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/HeltonPojo/Trabalho-de-Conclus-o-de-Curso/internal/config"
	"github.com/HeltonPojo/Trabalho-de-Conclus-o-de-Curso/internal/control"
	"github.com/HeltonPojo/Trabalho-de-Conclus-o-de-Curso/internal/reid"
	"github.com/HeltonPojo/Trabalho-de-Conclus-o-de-Curso/internal/store"
	"github.com/HeltonPojo/Trabalho-de-Conclus-o-de-Curso/internal/types"
	"github.com/HeltonPojo/Trabalho-de-Conclus-o-de-Curso/internal/wire"
)

const (
	resourceBackoff = 100 * time.Millisecond
	errorBackoff    = 500 * time.Millisecond
	persistTimeout  = 30 * time.Second
)

// ErrIngestionFailed is returned when the receive loop gives up after too many
// consecutive errors.
var ErrIngestionFailed = errors.New("ingestion failed")

// Matcher is the part of the matching engine a session drives.
type Matcher interface {
	Match(ctx context.Context, img image.Image, port int) (types.Decision, error)
	Events() []types.ReIdEvent
	Snapshot() []reid.PersonSnapshot
	Stats() (people, nextID, events int)
}

// Recorder persists a finished session. It is optional.
type Recorder interface {
	SaveSession(ctx context.Context, rec store.SessionRecord) error
	InsertEvents(ctx context.Context, sessionID string, events []types.ReIdEvent) error
	UpsertIdentities(ctx context.Context, sessionID string, people []reid.PersonSnapshot) error
}

// Session is the single process-wide server state.
type Session struct {
	cfg      *config.Config
	log      *slog.Logger
	id       string
	state    *control.State
	matcher  Matcher
	recorder Recorder
	tracker  *Tracker
	bcast    *control.Broadcaster
	reasm    *wire.Reassembler

	packet   net.PacketConn // UDP ingestion in udp mode, broadcasts in both modes
	listener *net.TCPListener

	mu         sync.Mutex
	stopIngest context.CancelFunc
	ingestDone chan struct{}
	startedAt  time.Time
	exited     bool

	connMu sync.Mutex
	conns  map[net.Conn]struct{}
}

// NewSession binds the session sockets. recorder may be nil.
func NewSession(cfg *config.Config, matcher Matcher, recorder Recorder, logger *slog.Logger) (*Session, error) {
	s := &Session{
		cfg:      cfg,
		id:       uuid.NewString(),
		state:    control.NewState(),
		matcher:  matcher,
		recorder: recorder,
		tracker:  NewTracker(cfg.Server.MaxWorkers),
		reasm:    wire.NewReassembler(cfg.Server.UDPPairTimeout),
		conns:    make(map[net.Conn]struct{}),
	}
	s.log = logger.With("session", s.id)

	var err error
	switch cfg.Protocol {
	case config.ProtocolUDP:
		s.packet, err = net.ListenPacket("udp", cfg.Server.Addr())
		if err != nil {
			return nil, fmt.Errorf("failed to bind udp %s: %w", cfg.Server.Addr(), err)
		}
	case config.ProtocolTCP:
		addr, err := net.ResolveTCPAddr("tcp", cfg.Server.Addr())
		if err != nil {
			return nil, err
		}
		s.listener, err = net.ListenTCP("tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("failed to bind tcp %s: %w", cfg.Server.Addr(), err)
		}
		// Commands are datagrams whatever the frame transport is.
		s.packet, err = net.ListenPacket("udp", net.JoinHostPort(cfg.Server.Host, "0"))
		if err != nil {
			s.listener.Close()
			return nil, fmt.Errorf("failed to bind command socket: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrUnsupportedProtocol, cfg.Protocol)
	}

	s.bcast, err = control.NewBroadcaster(s.packet, cfg.ClientAddrs(), s.log.With("component", "broadcast"))
	if err != nil {
		s.closeSockets()
		return nil, err
	}

	s.log.Info("server listening", "protocol", cfg.Protocol, "addr", s.Addr().String(),
		"clients", len(cfg.Instances), "max_workers", cfg.Server.MaxWorkers)
	return s, nil
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// Addr is the address nodes send frames to.
func (s *Session) Addr() net.Addr {
	if s.listener != nil {
		return s.listener.Addr()
	}
	return s.packet.LocalAddr()
}

// State returns the current control state.
func (s *Session) State() types.ControlState {
	return s.state.Load()
}

// Start broadcasts start and launches ingestion. It reports false when the
// session was not WAITING.
func (s *Session) Start(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch st := s.state.Load(); st {
	case types.StateRunning:
		s.log.Warn("server already running")
		return false
	case types.StateExiting:
		s.log.Warn("server is shutting down, start ignored")
		return false
	}

	// A previous loop that failed may still be returning.
	if s.ingestDone != nil {
		<-s.ingestDone
	}

	if n := s.tracker.Cleanup(); n > 0 {
		s.log.Debug("pruned finished workers", "removed", n)
	}
	s.state.Store(types.StateRunning)
	if s.startedAt.IsZero() {
		s.startedAt = time.Now()
	}
	s.bcast.Broadcast(types.CommandStart)

	ictx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.stopIngest, s.ingestDone = cancel, done

	go func() {
		defer close(done)
		var err error
		if s.listener != nil {
			err = s.ingestTCP(ictx)
		} else {
			err = s.ingestUDP(ictx)
		}
		if err != nil {
			s.log.Error("ingestion stopped", "error", err)
			if s.state.CompareAndSwap(types.StateRunning, types.StateWaiting) {
				s.log.Warn("server back to waiting, use start to resume")
			}
		}
	}()

	s.log.Info("server started")
	return true
}

// Exit broadcasts exit, stops ingestion, waits for the matching workers and
// writes the results. Calls after the first do nothing.
func (s *Session) Exit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exited {
		return nil
	}
	s.exited = true

	s.state.Store(types.StateExiting)
	s.log.Info("shutting down")
	s.bcast.Broadcast(types.CommandExit)

	if s.stopIngest != nil {
		s.wakeIngestion()
		s.stopIngest()
		<-s.ingestDone
	}

	start := time.Now()
	unjoined := s.tracker.Join(s.cfg.Server.JoinTimeout)
	for _, id := range unjoined {
		s.log.Warn("matching worker did not stop cleanly", "worker", id)
	}
	s.log.Info("workers joined", "unjoined", len(unjoined), "elapsed", time.Since(start).String())

	s.bcast.Detach()
	s.closeSockets()

	events := s.matcher.Events()
	err := reid.WriteResults(s.cfg.Server.ResultsPath, events)
	if err != nil {
		s.log.Error("failed to save results", "path", s.cfg.Server.ResultsPath, "error", err)
	} else {
		s.log.Info("results saved", "path", s.cfg.Server.ResultsPath, "events", len(events))
	}

	if s.recorder != nil {
		if perr := s.persist(events); perr != nil {
			s.log.Error("failed to persist session", "error", perr)
		}
	}

	s.log.Info("server stopped")
	return err
}

// Status returns a snapshot of the session. Finished worker handles are
// pruned first.
func (s *Session) Status() types.ServerStatus {
	s.tracker.Cleanup()
	people, nextID, events := s.matcher.Stats()
	st := s.state.Load()
	return types.ServerStatus{
		State:             st,
		StateName:         st.String(),
		DetectedPersons:   people,
		ActiveWorkers:     s.tracker.Active(),
		Events:            events,
		ClientsConfigured: s.bcast.Clients(),
		NextID:            nextID,
		SessionID:         s.id,
	}
}

// Cleanup forgets finished matching workers and returns how many were removed.
func (s *Session) Cleanup() int {
	n := s.tracker.Cleanup()
	s.log.Info("cleaned up finished workers", "removed", n, "active", s.tracker.Active())
	return n
}

func (s *Session) persist(events []types.ReIdEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	started := s.startedAt
	if started.IsZero() {
		started = time.Now()
	}
	rec := store.SessionRecord{
		ID:          s.id,
		Protocol:    s.cfg.Protocol,
		Threshold:   s.cfg.ReID.SimilarityThreshold,
		ResultsPath: s.cfg.Server.ResultsPath,
		StartedAt:   started,
		EndedAt:     time.Now(),
	}
	if err := s.recorder.SaveSession(ctx, rec); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	if err := s.recorder.InsertEvents(ctx, s.id, events); err != nil {
		return fmt.Errorf("insert events: %w", err)
	}
	people := s.matcher.Snapshot()
	if err := s.recorder.UpsertIdentities(ctx, s.id, people); err != nil {
		return fmt.Errorf("upsert identities: %w", err)
	}
	s.log.Info("session persisted", "events", len(events), "identities", len(people))
	return nil
}

// wakeIngestion unblocks a pending read or accept so the loop sees EXITING.
func (s *Session) wakeIngestion() {
	now := time.Now()
	if s.listener != nil {
		s.listener.SetDeadline(now)
		s.wakeConns(now)
		return
	}
	s.packet.SetReadDeadline(now)
}

// wakeConns makes every blocked node read return.
func (s *Session) wakeConns(now time.Time) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	for c := range s.conns {
		c.SetReadDeadline(now)
	}
}

func (s *Session) closeSockets() {
	if s.listener != nil {
		s.listener.Close()
	}
	if s.packet != nil {
		s.packet.Close()
	}
}

func (s *Session) running(ctx context.Context) bool {
	return ctx.Err() == nil && s.state.Load() == types.StateRunning
}

func (s *Session) ingestUDP(ctx context.Context) error {
	size := s.cfg.Server.BufferSize
	if size < wire.MaxUDPPayload+1 {
		size = wire.MaxUDPPayload + 1
	}
	buf := make([]byte, size)
	errs := 0

	for s.running(ctx) {
		s.packet.SetReadDeadline(time.Now().Add(s.cfg.Server.SocketTimeout))
		n, addr, err := s.packet.ReadFrom(buf)
		if err != nil {
			if !s.running(ctx) {
				return nil
			}
			if s.recoverable(ctx, err, &errs) {
				continue
			}
			return fmt.Errorf("%w: %w", ErrIngestionFailed, err)
		}
		errs = 0

		msg, ok, err := s.reasm.Feed(addr.String(), buf[:n], time.Now())
		if err != nil {
			s.log.Warn("datagram discarded", "from", addr.String(), "bytes", n, "error", err)
		}
		if !ok {
			continue
		}
		s.dispatch(ctx, msg, portOf(addr))
	}
	return nil
}

func (s *Session) ingestTCP(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	errs := 0

	for s.running(ctx) {
		s.listener.SetDeadline(time.Now().Add(s.cfg.Server.SocketTimeout))
		conn, err := s.listener.Accept()
		if err != nil {
			if !s.running(ctx) {
				return nil
			}
			if s.recoverable(ctx, err, &errs) {
				continue
			}
			// Connected nodes would otherwise keep the loop from returning.
			s.wakeConns(time.Now())
			return fmt.Errorf("%w: %w", ErrIngestionFailed, err)
		}
		errs = 0

		s.connMu.Lock()
		s.conns[conn] = struct{}{}
		s.connMu.Unlock()

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serveConn(ctx, conn)
		}()
	}
	return nil
}

// serveConn reads frames from one node until it disconnects or the session
// stops. A malformed length field desynchronises the stream, so the
// connection is dropped and the node is expected to reconnect.
func (s *Session) serveConn(ctx context.Context, conn net.Conn) {
	defer func() {
		s.connMu.Lock()
		delete(s.conns, conn)
		s.connMu.Unlock()
		conn.Close()
	}()

	from := conn.RemoteAddr()
	s.log.Info("node connected", "from", from.String())
	dec := wire.NewDecoder(conn)
	for s.running(ctx) {
		msg, err := dec.Next()
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				s.log.Info("node disconnected", "from", from.String())
			case errors.Is(err, os.ErrDeadlineExceeded), errors.Is(err, net.ErrClosed):
			default:
				s.log.Warn("dropping connection", "from", from.String(), "error", err)
			}
			return
		}
		s.dispatch(ctx, msg, portOf(from))
	}
}

// recoverable classifies a receive error. Timeouts are idle polls; resource
// pressure backs off briefly; anything else counts towards the consecutive
// error limit.
func (s *Session) recoverable(ctx context.Context, err error, errs *int) bool {
	switch {
	case errors.Is(err, os.ErrDeadlineExceeded):
		if n := s.reasm.Expire(time.Now()); n > 0 {
			s.log.Debug("expired unpaired headers", "count", n)
		}
		s.tracker.Cleanup()
		return true
	case errors.Is(err, net.ErrClosed):
		return false
	case errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.EWOULDBLOCK), errors.Is(err, syscall.ENOBUFS):
		s.log.Warn("resource temporarily unavailable, backing off", "error", err)
		sleep(ctx, resourceBackoff)
		return true
	}

	*errs++
	s.log.Error("receive failed", "error", err, "consecutive", *errs, "max", s.cfg.Server.MaxConsecutiveErrors)
	if *errs >= s.cfg.Server.MaxConsecutiveErrors {
		return false
	}
	sleep(ctx, errorBackoff)
	return true
}

func (s *Session) dispatch(ctx context.Context, msg types.FrameMessage, port int) {
	img, err := jpeg.Decode(bytes.NewReader(msg.Payload))
	if err != nil {
		s.log.Warn("failed to decode frame", "source", string(msg.Source), "bytes", len(msg.Payload), "error", err)
		return
	}

	// In-flight matches finish even after ingestion is cancelled.
	mctx := context.WithoutCancel(ctx)
	err = s.tracker.Go(ctx, func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("matching worker panicked", "source", string(msg.Source), "panic", r)
			}
		}()
		if _, err := s.matcher.Match(mctx, img, port); err != nil {
			s.log.Error("matching failed, frame dropped", "source", string(msg.Source), "port", port, "error", err)
		}
	})
	if err != nil {
		s.log.Warn("frame dropped, session stopping", "source", string(msg.Source))
	}
}

func portOf(addr net.Addr) int {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return a.Port
	case *net.TCPAddr:
		return a.Port
	}
	return 0
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
