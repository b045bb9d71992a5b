package server

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/HeltonPojo/Trabalho-de-Conclus-o-de-Curso/internal/types"
)

const prompt = "server@command# "

// Console is the operator's line-oriented command surface.
type Console struct {
	session *Session
}

// NewConsole attaches a console to s.
func NewConsole(s *Session) *Console {
	return &Console{session: s}
}

// Run reads commands from in until exit, end of input or ctx cancellation.
// All three shut the session down; Run returns the error from Exit.
func (c *Console) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	fmt.Fprintln(out, "Commands: start, exit, status, cleanup")
	for {
		fmt.Fprint(out, prompt)

		var line string
		var ok bool
		select {
		case line, ok = <-lines:
		case <-ctx.Done():
			fmt.Fprintln(out, "\n🛑 Interrupted, shutting down...")
			return c.session.Exit()
		}
		if !ok {
			fmt.Fprintln(out, "\n🛑 Input closed, shutting down...")
			return c.session.Exit()
		}

		switch strings.ToLower(strings.TrimSpace(line)) {
		case "":
		case "start":
			if c.session.Start(ctx) {
				fmt.Fprintln(out, "▶️  Server started")
			} else {
				fmt.Fprintf(out, "⚠️  Start ignored, state is %s\n", c.session.State())
			}
		case "exit":
			return c.session.Exit()
		case "status":
			PrintStatus(out, c.session.Status())
		case "cleanup":
			n := c.session.Cleanup()
			fmt.Fprintf(out, "🧹 Removed %d finished workers\n", n)
		default:
			fmt.Fprintln(out, "Unknown command. Use 'start', 'exit', 'status', or 'cleanup'.")
		}
	}
}

// PrintStatus writes the status block.
func PrintStatus(w io.Writer, st types.ServerStatus) {
	fmt.Fprintln(w, "=== Server Status ===")
	fmt.Fprintf(w, "Command State: %s\n", st.StateName)
	fmt.Fprintf(w, "Detected Persons: %d\n", st.DetectedPersons)
	fmt.Fprintf(w, "Active Threads: %d\n", st.ActiveWorkers)
	fmt.Fprintf(w, "ReID Events: %d\n", st.Events)
	fmt.Fprintf(w, "Clients Configured: %d\n", st.ClientsConfigured)
	fmt.Fprintf(w, "Next ID: %d\n", st.NextID)
	fmt.Fprintln(w, "====================")
}
