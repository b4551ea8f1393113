package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sds-labs/sdsx/internal/model"
	"github.com/sds-labs/sdsx/internal/store"
)

var (
	docsStatus string
	docsLimit  int
)

var docsCmd = &cobra.Command{
	Use:   "docs",
	Short: "List registered documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return eris.Wrap(err, "docs: open store")
		}
		defer st.Close()

		docs, err := st.ListDocuments(ctx, store.DocumentFilter{
			Status: model.DocumentStatus(docsStatus),
			Limit:  docsLimit,
		})
		if err != nil {
			return eris.Wrap(err, "docs: list")
		}

		for _, d := range docs {
			fmt.Printf("%s  %-10s  %8.2fs  %s\n", d.ID, d.Status, d.ProcessingSecs, d.Filename)
		}
		fmt.Printf("%d documents\n", len(docs))
		return nil
	},
}

var docsShowCmd = &cobra.Command{
	Use:   "show <document-id>",
	Short: "Show the latest field values for a document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return eris.Wrap(err, "docs: open store")
		}
		defer st.Close()

		doc, err := st.GetDocument(ctx, args[0])
		if err != nil {
			return eris.Wrapf(err, "docs: get %s", args[0])
		}
		fmt.Printf("%s (%s, %s)\n", doc.Filename, doc.Status, doc.FileType)

		latest, err := st.LatestExtractions(ctx, doc.ID)
		if err != nil {
			return eris.Wrap(err, "docs: latest extractions")
		}
		for _, name := range model.DefaultFieldSet().Names() {
			printField(name, latest)
		}
		printField(model.FieldIncompatibilities, latest)
		return nil
	},
}

var docsHistoryCmd = &cobra.Command{
	Use:   "history <document-id> <field>",
	Short: "Show every recorded determination for a field, newest first",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return eris.Wrap(err, "docs: open store")
		}
		defer st.Close()

		history, err := st.ExtractionHistory(ctx, args[0], args[1])
		if err != nil {
			return eris.Wrapf(err, "docs: history %s/%s", args[0], args[1])
		}
		for _, rec := range history {
			fmt.Printf("%s  %-40s conf=%.2f %-13s %s\n",
				rec.CreatedAt.Format("2006-01-02 15:04:05"),
				rec.Value, rec.Confidence, rec.ValidationStatus, rec.Context)
		}
		fmt.Printf("%d determinations\n", len(history))
		return nil
	},
}

func printField(name string, latest map[string]model.ExtractionRecord) {
	rec, ok := latest[name]
	if !ok {
		return
	}
	fmt.Printf("  %-20s %-40s conf=%.2f %s\n", name, rec.Value, rec.Confidence, rec.ValidationStatus)
}

func init() {
	docsCmd.Flags().StringVar(&docsStatus, "status", "", "filter by status (pending|success|failed)")
	docsCmd.Flags().IntVar(&docsLimit, "limit", 0, "maximum rows")
	docsCmd.AddCommand(docsShowCmd)
	docsCmd.AddCommand(docsHistoryCmd)
	rootCmd.AddCommand(docsCmd)
}
