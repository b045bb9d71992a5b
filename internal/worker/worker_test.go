package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"image"
	"io"
	"math"
	"testing"
	"time"
)

// MockCloser wraps a bytes.Buffer to satisfy io.ReadCloser and io.WriteCloser interfaces.
// This allows us to use in-memory buffers as if they were OS Pipes.
type MockCloser struct {
	*bytes.Buffer
}

func (m *MockCloser) Close() error { return nil }

func newMockProcess(response []byte) (*ModelProcess, *MockCloser) {
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}

	// Write the length header (Big Endian uint32)
	binary.Write(dataPipeMock, binary.BigEndian, uint32(len(response)))
	// Write the body
	dataPipeMock.Write(response)

	return &ModelProcess{
		ID:       1,
		Stdin:    stdinMock,
		DataPipe: dataPipeMock,
		// Cmd is nil because we aren't testing process management, just the protocol
	}, stdinMock
}

func TestDetect(t *testing.T) {
	// Protocol: [Status:0] [Count:2] ([Box] [Conf])...
	payload := new(bytes.Buffer)
	payload.WriteByte(0)
	binary.Write(payload, binary.BigEndian, uint32(2))
	binary.Write(payload, binary.BigEndian, [4]int32{10, 10, 50, 90})
	binary.Write(payload, binary.BigEndian, float32(0.91))
	binary.Write(payload, binary.BigEndian, [4]int32{0, 0, 5, 5})
	binary.Write(payload, binary.BigEndian, float32(0.2))

	proc, stdin := newMockProcess(payload.Bytes())
	d := NewDetector(NewPool([]*ModelProcess{proc}))

	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	dets, err := d.Detect(context.Background(), img)
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}

	// Verify Go sent a length-prefixed JPEG
	sent := stdin.Bytes()
	if len(sent) < 4 || int(binary.BigEndian.Uint32(sent)) != len(sent)-4 {
		t.Fatalf("Request is not length prefixed correctly (%d bytes)", len(sent))
	}
	if !bytes.HasPrefix(sent[4:], []byte{0xFF, 0xD8}) {
		t.Error("Request body is not a JPEG")
	}

	if len(dets) != 2 {
		t.Fatalf("Expected 2 detections, got %d", len(dets))
	}
	if dets[0].Box != image.Rect(10, 10, 50, 90) {
		t.Errorf("Unexpected box %v", dets[0].Box)
	}
	if math.Abs(dets[0].Confidence-0.91) > 1e-6 {
		t.Errorf("Expected confidence ~0.91, got %f", dets[0].Confidence)
	}
}

func TestExtract(t *testing.T) {
	payload := new(bytes.Buffer)
	payload.WriteByte(0)
	binary.Write(payload, binary.BigEndian, uint32(3))
	binary.Write(payload, binary.BigEndian, [3]float32{0.5, -0.25, 1})

	proc, _ := newMockProcess(payload.Bytes())
	e := NewEmbedder(NewPool([]*ModelProcess{proc}))

	vec, err := e.Extract(context.Background(), image.NewRGBA(image.Rect(0, 0, 8, 8)))
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	want := []float64{0.5, -0.25, 1}
	if len(vec) != len(want) {
		t.Fatalf("Expected %d values, got %d", len(want), len(vec))
	}
	for i := range want {
		if math.Abs(vec[i]-want[i]) > 1e-9 {
			t.Errorf("vec[%d] = %f, want %f", i, vec[i], want[i])
		}
	}
}

func TestExtractNoFeature(t *testing.T) {
	payload := []byte{0, 0, 0, 0, 0} // Status OK, dim 0
	proc, _ := newMockProcess(payload)
	e := NewEmbedder(NewPool([]*ModelProcess{proc}))

	vec, err := e.Extract(context.Background(), image.NewRGBA(image.Rect(0, 0, 8, 8)))
	if err != nil || vec != nil {
		t.Errorf("Expected no feature and no error, got %v, %v", vec, err)
	}
}

func TestCommunicate_Error(t *testing.T) {
	// Protocol: [Status:1] [MsgLen] [Msg]
	payload := new(bytes.Buffer)
	payload.WriteByte(1) // Status ERROR

	errMsg := "Python Exception: Import Error"
	binary.Write(payload, binary.BigEndian, uint32(len(errMsg)))
	payload.WriteString(errMsg)

	proc, _ := newMockProcess(payload.Bytes())

	_, err := proc.Communicate([]byte("frame"))
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if err.Error() != "model worker error: "+errMsg {
		t.Errorf("Expected error message '%s', got '%v'", "model worker error: "+errMsg, err)
	}
}

func TestCommunicate_BrokenPipe(t *testing.T) {
	// No response at all: the read hits EOF, like a crashed interpreter.
	proc := &ModelProcess{
		ID:       2,
		Stdin:    &MockCloser{Buffer: new(bytes.Buffer)},
		DataPipe: &MockCloser{Buffer: new(bytes.Buffer)},
	}
	if _, err := proc.Communicate([]byte("frame")); err == nil {
		t.Fatal("Expected error from empty pipe")
	}
	// Later calls fail fast with the same error.
	if _, err := proc.Communicate([]byte("frame")); err == nil {
		t.Fatal("Expected broken worker to keep failing")
	}
}

func TestParseMalformedResponses(t *testing.T) {
	if _, err := ParseDetections([]byte{0, 0, 0, 1, 1, 2}); err == nil {
		t.Error("Expected error for short detection record")
	}
	if _, err := ParseEmbedding([]byte{0, 0, 0, 2, 0, 0, 0, 0}); err == nil {
		t.Error("Expected error for short embedding")
	}
	nan := new(bytes.Buffer)
	binary.Write(nan, binary.BigEndian, uint32(1))
	binary.Write(nan, binary.BigEndian, float32(math.NaN()))
	if _, err := ParseEmbedding(nan.Bytes()); err == nil {
		t.Error("Expected error for NaN embedding")
	}
}

func embeddingResponse(values ...float32) []byte {
	payload := new(bytes.Buffer)
	payload.WriteByte(0)
	binary.Write(payload, binary.BigEndian, uint32(len(values)))
	binary.Write(payload, binary.BigEndian, values)
	return payload.Bytes()
}

func TestPoolRespawnsAfterTimeout(t *testing.T) {
	// A model that never answers.
	hungRead, hungWrite := io.Pipe()
	defer hungWrite.Close()
	hung := &ModelProcess{
		ID:          0,
		Stdin:       &MockCloser{Buffer: new(bytes.Buffer)},
		DataPipe:    hungRead,
		ReadTimeout: 50 * time.Millisecond,
	}

	respawns := 0
	pool := NewPool([]*ModelProcess{hung}).WithRespawn(func(id int) (*ModelProcess, error) {
		respawns++
		proc, _ := newMockProcess(embeddingResponse(1, 0))
		proc.ID = id
		return proc, nil
	}, nil)
	e := NewEmbedder(pool)
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))

	if _, err := e.Extract(context.Background(), img); !errors.Is(err, ErrWorkerTimeout) {
		t.Fatalf("Expected ErrWorkerTimeout, got %v", err)
	}

	vec, err := e.Extract(context.Background(), img)
	if err != nil {
		t.Fatalf("Expected the restarted worker to answer, got %v", err)
	}
	if len(vec) != 2 || vec[0] != 1 {
		t.Errorf("Unexpected embedding %v", vec)
	}
	if respawns != 1 {
		t.Errorf("Expected one restart, got %d", respawns)
	}
}

func TestPoolKeepsBrokenWorkerWhenRestartFails(t *testing.T) {
	broken := &ModelProcess{
		ID:       3,
		Stdin:    &MockCloser{Buffer: new(bytes.Buffer)},
		DataPipe: &MockCloser{Buffer: new(bytes.Buffer)},
	}
	attempts := 0
	pool := NewPool([]*ModelProcess{broken}).WithRespawn(func(id int) (*ModelProcess, error) {
		attempts++
		if attempts == 1 {
			return nil, errors.New("model file missing")
		}
		proc, _ := newMockProcess(embeddingResponse(0.5))
		return proc, nil
	}, nil)
	e := NewEmbedder(pool)
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))

	// Empty pipe: the first call breaks the process.
	if _, err := e.Extract(context.Background(), img); err == nil {
		t.Fatal("Expected the first call to fail")
	}
	if _, err := e.Extract(context.Background(), img); err == nil {
		t.Fatal("Expected a failed restart to surface")
	}
	if _, err := e.Extract(context.Background(), img); err != nil {
		t.Fatalf("Expected the second restart to recover, got %v", err)
	}
	if attempts != 2 {
		t.Errorf("Expected 2 restart attempts, got %d", attempts)
	}
}
