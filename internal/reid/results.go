package reid

import (
	"bufio"
	"fmt"
	"os"

	"github.com/HeltonPojo/Trabalho-de-Conclus-o-de-Curso/internal/types"
)

// WriteResults writes one "<person_id> <source_port> <appearance_count>" line per event.
func WriteResults(path string, events []types.ReIdEvent) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create results file: %w", err)
	}

	w := bufio.NewWriter(f)
	for _, ev := range events {
		fmt.Fprintf(w, "%d %d %d\n", ev.PersonID, ev.SourcePort, ev.Appearances)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("failed to write results: %w", err)
	}
	return f.Close()
}
