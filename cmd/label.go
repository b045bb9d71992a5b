package cmd

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/HeltonPojo/Trabalho-de-Conclus-o-de-Curso/internal/utils"
)

var labelSession string

var labelCmd = &cobra.Command{
	Use:   "label <person_id> <name>",
	Short: "Assign a name to an identity from a persisted session",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		id, err := strconv.Atoi(args[0])
		if err != nil {
			utils.Die("Invalid person ID", err, nil)
		}
		runLabel(cmd.Context(), id, args[1])
	},
}

func init() {
	labelCmd.Flags().StringVarP(&labelSession, "session", "s", "", "Session id (default: latest)")
	rootCmd.AddCommand(labelCmd)
}

func runLabel(ctx context.Context, id int, name string) {
	db, err := openStore(ctx)
	if err != nil {
		utils.Die("Database unavailable", err, nil)
	}
	defer db.Close(context.Background())

	session, err := sessionOrLatest(ctx, db, labelSession)
	if err != nil {
		utils.Die("Failed to find session", err, nil)
	}

	if err := db.RenameIdentity(ctx, session, id, name); err != nil {
		utils.Die("Failed to label identity", err, nil)
	}

	fmt.Printf("✅ Identity %d labeled as '%s' (session %s)\n", id, name, shortID(session))
}
