package server

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/HeltonPojo/Trabalho-de-Conclus-o-de-Curso/internal/config"
	"github.com/HeltonPojo/Trabalho-de-Conclus-o-de-Curso/internal/reid"
	"github.com/HeltonPojo/Trabalho-de-Conclus-o-de-Curso/internal/store"
	"github.com/HeltonPojo/Trabalho-de-Conclus-o-de-Curso/internal/types"
	"github.com/HeltonPojo/Trabalho-de-Conclus-o-de-Curso/internal/wire"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// syncBuffer is a log sink safe for concurrent writers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func solidJPEG(t *testing.T, c color.RGBA) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 32, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 32; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func testConfig(t *testing.T, protocol string, clients ...net.Addr) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Protocol = protocol
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Server.SocketTimeout = 100 * time.Millisecond
	cfg.Server.ResultsPath = filepath.Join(t.TempDir(), "reid_results.txt")
	for i, c := range clients {
		a := c.(*net.UDPAddr)
		cfg.Instances = append(cfg.Instances, config.InstanceConfig{
			Name:         "cam-" + string(rune('1'+i)),
			Transmission: config.TransmissionConfig{Host: "127.0.0.1", Port: a.Port},
		})
	}
	return cfg
}

func newEngine() *reid.Engine {
	return reid.NewEngine(reid.Options{SimilarityThreshold: 0.13, MaxGalleryPerPerson: 8}, nil, discardLogger())
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read results: %v", err)
	}
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func TestTrackerJoinTimeout(t *testing.T) {
	tr := NewTracker(8)
	release := make(chan struct{})
	defer close(release)

	for i := 0; i < 5; i++ {
		slow := i == 2
		tr.Go(context.Background(), func() {
			if slow {
				<-release
				return
			}
			time.Sleep(10 * time.Millisecond)
		})
	}

	start := time.Now()
	unjoined := tr.Join(500 * time.Millisecond)
	elapsed := time.Since(start)

	if len(unjoined) != 1 || unjoined[0] != 2 {
		t.Errorf("Expected worker 2 unjoined, got %v", unjoined)
	}
	if elapsed > 2*time.Second {
		t.Errorf("Join took %v, expected about one timeout", elapsed)
	}
	if tr.Active() != 1 {
		t.Errorf("Expected 1 active worker, got %d", tr.Active())
	}
	if n := tr.Cleanup(); n != 4 {
		t.Errorf("Expected 4 finished workers removed, got %d", n)
	}
}

func TestTrackerCap(t *testing.T) {
	tr := NewTracker(2)
	release := make(chan struct{})
	for i := 0; i < 2; i++ {
		if err := tr.Go(context.Background(), func() { <-release }); err != nil {
			t.Fatal(err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := tr.Go(ctx, func() {}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected the third task to wait for a slot, got %v", err)
	}

	close(release)
	tr.Join(time.Second)
	if err := tr.Go(context.Background(), func() {}); err != nil {
		t.Errorf("Expected a free slot after release, got %v", err)
	}
}

func TestSessionUDPEndToEnd(t *testing.T) {
	node, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer node.Close()

	cfg := testConfig(t, config.ProtocolUDP, node.LocalAddr())
	s, err := NewSession(cfg, newEngine(), nil, discardLogger())
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}

	if !s.Start(context.Background()) {
		t.Fatal("Start refused")
	}
	if s.Start(context.Background()) {
		t.Error("Second Start should be a no-op")
	}

	buf := make([]byte, 64)
	node.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := node.ReadFrom(buf)
	if err != nil || string(buf[:n]) != "start" {
		t.Fatalf("Expected start broadcast, got %q (%v)", buf[:n], err)
	}

	sender, err := wire.NewSender("udp", s.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer sender.Close()

	red := solidJPEG(t, color.RGBA{200, 10, 10, 255})
	blue := solidJPEG(t, color.RGBA{10, 10, 200, 255})
	for _, payload := range [][]byte{red, red, blue} {
		// one frame at a time keeps the event order deterministic
		want := s.Status().Events + 1
		if err := sender.Send(types.FrameMessage{Source: "cam-1", Payload: payload}); err != nil {
			t.Fatal(err)
		}
		waitFor(t, "match", func() bool { return s.Status().Events == want })
	}

	st := s.Status()
	if st.DetectedPersons != 2 || st.NextID != 2 || st.ClientsConfigured != 1 || st.StateName != "start" {
		t.Errorf("Unexpected status %+v", st)
	}

	if err := s.Exit(); err != nil {
		t.Fatalf("Exit failed: %v", err)
	}
	node.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err = node.ReadFrom(buf)
	if err != nil || string(buf[:n]) != "exit" {
		t.Errorf("Expected exit broadcast, got %q (%v)", buf[:n], err)
	}

	lines := readLines(t, cfg.Server.ResultsPath)
	want := []string{"0 ", "0 ", "1 "}
	wantCount := []string{" 1", " 2", " 1"}
	if len(lines) != 3 {
		t.Fatalf("Expected 3 result lines, got %q", lines)
	}
	for i, l := range lines {
		if !strings.HasPrefix(l, want[i]) || !strings.HasSuffix(l, wantCount[i]) {
			t.Errorf("line %d = %q", i, l)
		}
	}
	if s.Status().StateName != "exit" {
		t.Errorf("Expected exit state, got %s", s.Status().StateName)
	}
}

func TestSessionTCPIngestion(t *testing.T) {
	cfg := testConfig(t, config.ProtocolTCP)
	s, err := NewSession(cfg, newEngine(), nil, discardLogger())
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	s.Start(context.Background())

	sender, err := wire.NewSender("tcp", s.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer sender.Close()

	green := solidJPEG(t, color.RGBA{10, 200, 10, 255})
	for i := 0; i < 2; i++ {
		if err := sender.Send(types.FrameMessage{Source: "cam-1", Payload: green}); err != nil {
			t.Fatal(err)
		}
	}
	waitFor(t, "two matches", func() bool { return s.Status().Events == 2 })

	if err := s.Exit(); err != nil {
		t.Fatalf("Exit failed: %v", err)
	}
	lines := readLines(t, cfg.Server.ResultsPath)
	if len(lines) != 2 || !strings.HasSuffix(lines[1], " 2") {
		t.Errorf("Unexpected results %q", lines)
	}
}

func TestSessionTCPFailureReturnsToWaiting(t *testing.T) {
	cfg := testConfig(t, config.ProtocolTCP)
	s, err := NewSession(cfg, newEngine(), nil, discardLogger())
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	if !s.Start(context.Background()) {
		t.Fatal("Expected first start to succeed")
	}

	sender, err := wire.NewSender("tcp", s.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer sender.Close()

	frame := solidJPEG(t, color.RGBA{10, 10, 200, 255})
	if err := sender.Send(types.FrameMessage{Source: "cam-1", Payload: frame}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "first match", func() bool { return s.Status().Events == 1 })

	// The node stays connected while the accept loop dies.
	addr := s.listener.Addr().(*net.TCPAddr)
	s.listener.Close()
	waitFor(t, "state back to waiting", func() bool { return s.State() == types.StateWaiting })

	s.listener, err = net.ListenTCP("tcp", addr)
	if err != nil {
		t.Fatalf("failed to rebind %s: %v", addr, err)
	}
	if !s.Start(context.Background()) {
		t.Fatal("Expected start to be accepted after the failure")
	}

	again, err := wire.NewSender("tcp", addr.String())
	if err != nil {
		t.Fatal(err)
	}
	defer again.Close()
	if err := again.Send(types.FrameMessage{Source: "cam-1", Payload: frame}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "match after restart", func() bool { return s.Status().Events == 2 })

	if people := s.Status().DetectedPersons; people != 1 {
		t.Errorf("Expected the gallery to survive the restart, got %d people", people)
	}
	if err := s.Exit(); err != nil {
		t.Fatalf("Exit failed: %v", err)
	}
}

func TestStatusPrunesFinishedWorkers(t *testing.T) {
	cfg := testConfig(t, config.ProtocolUDP)
	s, err := NewSession(cfg, newEngine(), nil, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Exit()

	frame := solidJPEG(t, color.RGBA{90, 30, 30, 255})
	for i := 0; i < 500; i++ {
		s.dispatch(context.Background(), types.FrameMessage{Source: "cam-1", Payload: frame}, 5001)
	}
	waitFor(t, "500 matches", func() bool {
		_, _, events := s.matcher.Stats()
		return events == 500
	})
	waitFor(t, "workers finished", func() bool { return s.tracker.Active() == 0 })

	st := s.Status()
	if st.ActiveWorkers != 0 {
		t.Errorf("Expected no active workers, got %d", st.ActiveWorkers)
	}
	s.tracker.mu.Lock()
	kept := len(s.tracker.workers)
	s.tracker.mu.Unlock()
	if kept != 0 {
		t.Errorf("Expected finished handles to be pruned, %d kept", kept)
	}
}

// blockingMatcher holds matches from one port until released.
type blockingMatcher struct {
	*reid.Engine
	slowPort int
	release  chan struct{}
	calls    atomic.Int32
}

func (m *blockingMatcher) Match(ctx context.Context, img image.Image, port int) (types.Decision, error) {
	m.calls.Add(1)
	if port == m.slowPort {
		<-m.release
	}
	return m.Engine.Match(ctx, img, port)
}

func TestSessionExitWithStuckWorker(t *testing.T) {
	cfg := testConfig(t, config.ProtocolUDP)
	cfg.Server.JoinTimeout = 2 * time.Second
	m := &blockingMatcher{Engine: newEngine(), slowPort: 5003, release: make(chan struct{})}
	defer close(m.release)

	logs := &syncBuffer{}
	s, err := NewSession(cfg, m, nil, slog.New(slog.NewTextHandler(logs, nil)))
	if err != nil {
		t.Fatal(err)
	}

	frame := solidJPEG(t, color.RGBA{120, 120, 120, 255})
	for port := 5001; port <= 5005; port++ {
		s.dispatch(context.Background(), types.FrameMessage{Source: "cam-1", Payload: frame}, port)
	}
	waitFor(t, "four finished matches", func() bool { return s.Status().Events == 4 })

	start := time.Now()
	if err := s.Exit(); err != nil {
		t.Fatalf("Exit failed: %v", err)
	}
	elapsed := time.Since(start)
	if elapsed < 1500*time.Millisecond || elapsed > 3500*time.Millisecond {
		t.Errorf("Exit took %v, expected about the 2s join timeout", elapsed)
	}

	if lines := readLines(t, cfg.Server.ResultsPath); len(lines) != 4 {
		t.Errorf("Expected the 4 finished events in results, got %q", lines)
	}
	if n := strings.Count(logs.String(), "did not stop cleanly"); n != 1 {
		t.Errorf("Expected exactly one unjoined worker warning, got %d\n%s", n, logs.String())
	}
}

func TestSessionDropsUndecodableFrames(t *testing.T) {
	cfg := testConfig(t, config.ProtocolUDP)
	m := &blockingMatcher{Engine: newEngine(), release: make(chan struct{})}
	close(m.release)
	s, err := NewSession(cfg, m, nil, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Exit()

	s.dispatch(context.Background(), types.FrameMessage{Source: "cam-1", Payload: []byte("not a jpeg")}, 5001)
	s.tracker.Join(time.Second)
	if m.calls.Load() != 0 {
		t.Error("Undecodable frame reached the matcher")
	}
}

func TestRecoverable(t *testing.T) {
	cfg := testConfig(t, config.ProtocolUDP)
	cfg.Server.MaxConsecutiveErrors = 2
	s, err := NewSession(cfg, newEngine(), nil, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Exit()

	ctx := context.Background()
	errs := 0
	if !s.recoverable(ctx, os.ErrDeadlineExceeded, &errs) || errs != 0 {
		t.Error("Timeouts must be idle polls")
	}
	boom := errors.New("boom")
	if !s.recoverable(ctx, boom, &errs) {
		t.Error("First error should be retried")
	}
	if s.recoverable(ctx, boom, &errs) {
		t.Error("Second consecutive error should be fatal")
	}
	if s.recoverable(ctx, net.ErrClosed, &errs) {
		t.Error("A closed socket cannot recover")
	}
}

type fakeRecorder struct {
	session    store.SessionRecord
	events     int
	identities int
}

func (r *fakeRecorder) SaveSession(ctx context.Context, rec store.SessionRecord) error {
	r.session = rec
	return nil
}

func (r *fakeRecorder) InsertEvents(ctx context.Context, sessionID string, events []types.ReIdEvent) error {
	r.events = len(events)
	return nil
}

func (r *fakeRecorder) UpsertIdentities(ctx context.Context, sessionID string, people []reid.PersonSnapshot) error {
	r.identities = len(people)
	return nil
}

func TestSessionPersistsOnExit(t *testing.T) {
	cfg := testConfig(t, config.ProtocolUDP)
	rec := &fakeRecorder{}
	s, err := NewSession(cfg, newEngine(), rec, discardLogger())
	if err != nil {
		t.Fatal(err)
	}

	frame := solidJPEG(t, color.RGBA{90, 30, 160, 255})
	s.dispatch(context.Background(), types.FrameMessage{Source: "cam-1", Payload: frame}, 5001)
	s.dispatch(context.Background(), types.FrameMessage{Source: "cam-2", Payload: frame}, 5002)
	s.tracker.Join(time.Second)

	if err := s.Exit(); err != nil {
		t.Fatal(err)
	}
	if rec.session.ID != s.ID() || rec.session.Protocol != "udp" {
		t.Errorf("Unexpected session record %+v", rec.session)
	}
	if rec.events != 2 || rec.identities != 1 {
		t.Errorf("Expected 2 events and 1 identity, got %d and %d", rec.events, rec.identities)
	}
	// Exit is idempotent
	if err := s.Exit(); err != nil {
		t.Errorf("Second Exit returned %v", err)
	}
}

func TestConsole(t *testing.T) {
	cfg := testConfig(t, config.ProtocolUDP)
	s, err := NewSession(cfg, newEngine(), nil, discardLogger())
	if err != nil {
		t.Fatal(err)
	}

	in := strings.NewReader("status\nbogus\n\nstart\nstart\ncleanup\nexit\nstatus\n")
	var out bytes.Buffer
	if err := NewConsole(s).Run(context.Background(), in, &out); err != nil {
		t.Fatalf("Console returned %v", err)
	}

	got := out.String()
	for _, want := range []string{
		"=== Server Status ===\nCommand State: wait\nDetected Persons: 0\nActive Threads: 0\nReID Events: 0\nClients Configured: 0\nNext ID: 0\n====================\n",
		"Unknown command. Use 'start', 'exit', 'status', or 'cleanup'.",
		"Server started",
		"Start ignored, state is start",
		"Removed 0 finished workers",
		prompt,
	} {
		if !strings.Contains(got, want) {
			t.Errorf("Console output missing %q:\n%s", want, got)
		}
	}
	if strings.Count(got, "=== Server Status ===") != 1 {
		t.Error("Console kept reading after exit")
	}
	if s.State() != types.StateExiting {
		t.Errorf("Expected EXITING, got %v", s.State())
	}
	if _, err := os.Stat(cfg.Server.ResultsPath); err != nil {
		t.Errorf("Expected results file: %v", err)
	}
}

func TestConsoleEOFShutsDown(t *testing.T) {
	cfg := testConfig(t, config.ProtocolUDP)
	s, err := NewSession(cfg, newEngine(), nil, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	if err := NewConsole(s).Run(context.Background(), strings.NewReader("start\n"), &out); err != nil {
		t.Fatal(err)
	}
	if s.State() != types.StateExiting {
		t.Errorf("Expected EOF to trigger exit, state %v", s.State())
	}
}
