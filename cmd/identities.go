package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/HeltonPojo/Trabalho-de-Conclus-o-de-Curso/internal/store"
	"github.com/HeltonPojo/Trabalho-de-Conclus-o-de-Curso/internal/utils"
)

var (
	listSession string
	listAll     bool
	eventsLimit int
)

var identitiesCmd = &cobra.Command{
	Use:   "identities",
	Short: "List the identities persisted by a server session",
	Run: func(cmd *cobra.Command, args []string) {
		runIdentities(cmd.Context())
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "List the ReID decisions persisted by a server session",
	Run: func(cmd *cobra.Command, args []string) {
		runEvents(cmd.Context())
	},
}

func init() {
	identitiesCmd.Flags().StringVarP(&listSession, "session", "s", "", "Session id (default: latest)")
	identitiesCmd.Flags().BoolVar(&listAll, "all", false, "List identities of every session")
	eventsCmd.Flags().StringVarP(&listSession, "session", "s", "", "Session id (default: latest)")
	eventsCmd.Flags().IntVarP(&eventsLimit, "limit", "n", 0, "Show at most this many events")
	rootCmd.AddCommand(identitiesCmd, eventsCmd)
}

// sessionOrLatest returns id, or the latest session when id is empty.
func sessionOrLatest(ctx context.Context, db *store.Store, id string) (string, error) {
	if id != "" {
		return id, nil
	}
	return db.LatestSession(ctx)
}

func runIdentities(ctx context.Context) {
	db, err := openStore(ctx)
	if err != nil {
		utils.Die("Database unavailable", err, nil)
	}
	defer db.Close(context.Background())

	session := ""
	if !listAll {
		session, err = sessionOrLatest(ctx, db, listSession)
		if errors.Is(err, store.ErrNoSessions) {
			fmt.Println("No sessions found in database.")
			return
		}
		if err != nil {
			utils.Die("Failed to find session", err, nil)
		}
	}

	identities, err := db.ListIdentities(ctx, session)
	if err != nil {
		utils.Die("Failed to list identities", err, nil)
	}

	if len(identities) == 0 {
		fmt.Println("No identities found in database.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "SESSION\tID\tNAME\tAPPEARANCES\tGALLERY\tDIM\tFIRST SEEN\tLAST SEEN")
	fmt.Fprintln(w, "-------\t--\t----\t-----------\t-------\t---\t----------\t---------")

	for _, id := range identities {
		name := id.Name
		if name == "" {
			name = "-"
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%d\t%d\t%d\t%s\t%s\n", shortID(id.SessionID), id.PersonID, name,
			id.Appearances, id.GallerySize, id.Dim,
			id.FirstSeen.Local().Format("2006-01-02 15:04:05"), id.LastSeen.Local().Format("2006-01-02 15:04:05"))
	}
	w.Flush()
}

func runEvents(ctx context.Context) {
	db, err := openStore(ctx)
	if err != nil {
		utils.Die("Database unavailable", err, nil)
	}
	defer db.Close(context.Background())

	session, err := sessionOrLatest(ctx, db, listSession)
	if errors.Is(err, store.ErrNoSessions) {
		fmt.Println("No sessions found in database.")
		return
	}
	if err != nil {
		utils.Die("Failed to find session", err, nil)
	}

	events, err := db.ListEvents(ctx, session, eventsLimit)
	if err != nil {
		utils.Die("Failed to list events", err, nil)
	}
	if len(events) == 0 {
		fmt.Printf("No events recorded for session %s.\n", session)
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "#\tPERSON\tPORT\tAPPEARANCES\tTIME")
	fmt.Fprintln(w, "-\t------\t----\t-----------\t----")
	for _, ev := range events {
		fmt.Fprintf(w, "%d\t%d\t%d\t%d\t%s\n", ev.Seq, ev.PersonID, ev.SourcePort, ev.Appearances, ev.At.Local().Format("15:04:05.000"))
	}
	w.Flush()
}

// shortID trims a session uuid for table output.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
