package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/chaiyawut/butler/pkg/config"
	"github.com/chaiyawut/butler/pkg/log"
	"github.com/chaiyawut/butler/pkg/memstore"
	"github.com/chaiyawut/butler/pkg/store"
)

// Jobs commands

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect scheduled jobs",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List scheduled jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()
		_ = cfg

		jobs, err := st.ListJobs()
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tKIND\tSTATUS\tNEXT RUN\tCONVERSATION")
		for _, j := range jobs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				j.ID, j.Kind, j.Status, j.NextRun.Format("2006-01-02 15:04:05"), j.ConversationID)
		}
		return w.Flush()
	},
}

// Dead-letter commands

var deadLettersCmd = &cobra.Command{
	Use:   "dead-letters",
	Short: "Inspect and purge dead-lettered messages",
}

var deadLettersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-letter records",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		dls, err := st.ListDeadLetters()
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "DELIVERY ID\tCONVERSATION\tARRIVED\tERROR")
		for _, dl := range dls {
			conv := ""
			if dl.Entry != nil {
				conv = dl.Entry.ConversationID
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				dl.DeliveryID, conv, dl.ArrivedAt.Format("2006-01-02 15:04:05"), dl.FinalError)
		}
		return w.Flush()
	},
}

var deadLettersPurgeCmd = &cobra.Command{
	Use:   "purge [delivery-id]",
	Short: "Remove one dead-letter record, or all with no argument",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		if len(args) == 1 {
			if err := st.DeleteDeadLetter(args[0]); err != nil {
				return err
			}
			fmt.Printf("removed %s\n", args[0])
			return nil
		}
		dls, err := st.ListDeadLetters()
		if err != nil {
			return err
		}
		for _, dl := range dls {
			if err := st.DeleteDeadLetter(dl.DeliveryID); err != nil {
				return err
			}
		}
		fmt.Printf("removed %d records\n", len(dls))
		return nil
	},
}

// Memory commands

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Operate on the memory store",
}

var memoryReindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild the full-text and vector indexes (snapshots first)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		var vectors *memstore.VectorClient
		if cfg.VectorBackendURL != "" {
			vectors = memstore.NewVectorClient(cfg.VectorBackendURL)
			vectors.Ping(context.Background())
		}
		ms, err := memstore.Open(cfg.DataDir, vectors)
		if err != nil {
			return err
		}
		defer ms.Close()

		if err := ms.ReindexAll(context.Background()); err != nil {
			return err
		}
		fmt.Println("reindex complete")
		return nil
	},
}

func init() {
	jobsCmd.AddCommand(jobsListCmd)
	deadLettersCmd.AddCommand(deadLettersListCmd)
	deadLettersCmd.AddCommand(deadLettersPurgeCmd)
	memoryCmd.AddCommand(memoryReindexCmd)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
	return cfg, nil
}

func openStore() (*config.Config, *store.BoltStore, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	st, err := store.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, nil, err
	}
	return cfg, st, nil
}
