package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sds-labs/sdsx/internal/pipeline"
)

var enrichDoc string

var enrichCmd = &cobra.Command{
	Use:   "enrich",
	Short: "Enrich processed documents from the internet",
	Long:  "Reruns UN-table and online completion for stored documents, then refines mid-confidence fields with the model. Without --document every successful document is enriched.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return eris.Wrap(err, "enrich: open store")
		}
		defer st.Close()

		processor, err := buildProcessor(st, true)
		if err != nil {
			return eris.Wrap(err, "enrich: build processor")
		}
		fields, err := loadFields()
		if err != nil {
			return eris.Wrap(err, "enrich: load fields")
		}

		enricher := pipeline.NewEnricher(st, processor, buildCompleter(), fields, pipeline.EnrichConfig{
			LowThreshold:    cfg.Enrich.LowThreshold,
			MidThreshold:    cfg.Enrich.MidThreshold,
			RefineRounds:    cfg.Enrich.RefineRounds,
			TopK:            cfg.Enrich.TopK,
			MaxContextChars: cfg.Enrich.MaxContextChars,
			Concurrency:     cfg.Enrich.Concurrency,
		})

		if enrichDoc != "" {
			if err := enricher.EnrichDocument(ctx, enrichDoc); err != nil {
				return eris.Wrapf(err, "enrich: document %s", enrichDoc)
			}
			fmt.Printf("enriched document %s\n", enrichDoc)
			return nil
		}

		n, err := enricher.EnrichAll(ctx)
		if err != nil {
			return eris.Wrap(err, "enrich: batch")
		}
		fmt.Printf("enriched %d documents\n", n)
		return nil
	},
}

func init() {
	enrichCmd.Flags().StringVar(&enrichDoc, "document", "", "enrich a single document id")
	rootCmd.AddCommand(enrichCmd)
}
