package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/HeltonPojo/Trabalho-de-Conclus-o-de-Curso/internal/config"
	"github.com/HeltonPojo/Trabalho-de-Conclus-o-de-Curso/internal/utils"
)

var (
	resetDB      bool
	resetResults bool
	resetLogs    bool
	resetYes     bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset system state (Database, Results, Logs)",
	Long:  "Clears all data. By default, it resets everything. Use flags to clear specific components.",
	Run: func(cmd *cobra.Command, args []string) {
		// If no flags are set, default to clearing EVERYTHING
		if !resetDB && !resetResults && !resetLogs {
			resetDB = true
			resetResults = true
			resetLogs = true
		}

		reader := bufio.NewReader(os.Stdin)

		if resetDB {
			if confirm(reader, os.Stdout, "⚠️  Are you sure you want to DROP all database tables?") {
				fmt.Println("🗑️  Clearing Database...")
				db, err := openStore(cmd.Context())
				if err != nil {
					utils.Die("Database unavailable", err, nil)
				}
				err = db.Reset(cmd.Context())
				db.Close(context.Background())
				if err != nil {
					utils.Die("Failed to reset database", err, nil)
				}
			}
		}

		if resetResults {
			path := resultsPath()
			if confirm(reader, os.Stdout, fmt.Sprintf("⚠️  Are you sure you want to delete %s?", path)) {
				fmt.Println("🗑️  Clearing Results...")
				removePath(path)
			}
		}

		if resetLogs {
			if confirm(reader, os.Stdout, "⚠️  Are you sure you want to delete the logs directory?") {
				fmt.Println("🗑️  Clearing Logs...")
				removePath("logs")
				if logFile != "" && filepath.Dir(logFile) != "logs" {
					fmt.Printf("ℹ️  Keeping active log file %s\n", logFile)
				}
			}
		}

		fmt.Println("✨ System Reset Complete.")
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetDB, "db", false, "Clear PostgreSQL database")
	resetCmd.Flags().BoolVar(&resetResults, "results", false, "Clear the results file")
	resetCmd.Flags().BoolVar(&resetLogs, "logs", false, "Clear the logs directory")
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "Do not ask for confirmation")
	rootCmd.AddCommand(resetCmd)
}

// resultsPath reads results_path from the configuration, falling back to the default.
func resultsPath() string {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Default().Server.ResultsPath
	}
	return cfg.Server.ResultsPath
}

func confirm(r *bufio.Reader, w io.Writer, prompt string) bool {
	if resetYes {
		return true
	}
	fmt.Fprintf(w, "%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}

func removePath(path string) {
	if err := os.RemoveAll(path); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to remove %s: %v\n", path, err)
	}
}
