package worker

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/HeltonPojo/Trabalho-de-Conclus-o-de-Curso/internal/utils" // Using the SafeCommand wrapper
)

// ErrWorkerTimeout is returned when the model process does not answer in time.
var ErrWorkerTimeout = errors.New("worker timed out")

// Status bytes leading every response body.
const (
	statusOK    byte = 0
	statusError byte = 1
)

// maxResponse bounds a single response body.
const maxResponse = 64 * 1024 * 1024

// ModelProcess is a long-running model process (detector or embedder) spoken to
// over stdin and a dedicated data pipe on FD 3.
//
// Protocol: [uint32 big-endian length][body] in both directions. Requests carry a
// JPEG image; responses start with a status byte.
type ModelProcess struct {
	ID          int
	Cmd         *utils.SafeCommand
	Stdin       io.WriteCloser
	DataPipe    io.ReadCloser
	ReadTimeout time.Duration

	mu     sync.Mutex
	broken error
}

// Start launches argv[0] with the remaining arguments.
func Start(ctx context.Context, id int, argv []string, readTimeout time.Duration) (*ModelProcess, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("worker %d: empty command", id)
	}
	// 1. Initialize the SafeCommand
	py := utils.NewSafeCommand(ctx, argv[0], argv[1:]...)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close() // Prevent FD leak
		r.Close() // Close read-end too!
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close() // Close write end if start fails
		r.Close() // Close read-end too!
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &ModelProcess{
		ID:          id,
		Cmd:         py,
		Stdin:       stdin,
		DataPipe:    r,
		ReadTimeout: readTimeout,
	}, nil
}

// Communicate sends one request and returns the response body with its status
// byte checked. Calls are serialized; after a timeout or pipe failure the
// process is considered broken and every later call fails fast.
func (w *ModelProcess) Communicate(data []byte) ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.broken != nil {
		return nil, w.broken
	}

	type result struct {
		body []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		body, err := w.roundTrip(data)
		done <- result{body, err}
	}()

	var res result
	if w.ReadTimeout > 0 {
		timer := time.NewTimer(w.ReadTimeout)
		defer timer.Stop()
		select {
		case res = <-done:
		case <-timer.C:
			w.broken = fmt.Errorf("worker %d: %w after %v", w.ID, ErrWorkerTimeout, w.ReadTimeout)
			w.kill()
			return nil, w.broken
		}
	} else {
		res = <-done
	}

	if res.err != nil {
		w.broken = fmt.Errorf("worker %d: %w", w.ID, res.err)
		return nil, w.broken
	}
	return checkStatus(res.body)
}

func (w *ModelProcess) roundTrip(data []byte) ([]byte, error) {
	// Protocol: [Length][Data]
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	// Read Result
	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // This is where we catch the "ModuleNotFoundError" crash
	}

	respLen := binary.BigEndian.Uint32(header)
	if respLen > maxResponse {
		return nil, fmt.Errorf("response of %d bytes exceeds limit", respLen)
	}
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(w.DataPipe, respBody)
	return respBody, err
}

// checkStatus strips the status byte, turning an error response into an error.
func checkStatus(body []byte) ([]byte, error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("empty response")
	}
	switch body[0] {
	case statusOK:
		return body[1:], nil
	case statusError:
		rest := body[1:]
		if len(rest) < 4 {
			return nil, fmt.Errorf("model worker error: <truncated>")
		}
		n := binary.BigEndian.Uint32(rest)
		if int(n) > len(rest)-4 {
			n = uint32(len(rest) - 4)
		}
		return nil, fmt.Errorf("model worker error: %s", rest[4:4+n])
	default:
		return nil, fmt.Errorf("unknown status byte %d", body[0])
	}
}

// Err returns the error that broke the process, or nil while it is usable.
func (w *ModelProcess) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.broken
}

func (w *ModelProcess) kill() {
	if w.Cmd != nil && w.Cmd.Process != nil {
		w.Cmd.Process.Kill()
	}
}

// Close shuts the pipes and waits for the process to exit.
func (w *ModelProcess) Close() error {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd == nil {
		return nil
	}
	return w.Cmd.Wait()
}
