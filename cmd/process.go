package main

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sds-labs/sdsx/internal/pipeline"
)

var (
	processOffline bool
	processWorkers int
)

var processCmd = &cobra.Command{
	Use:   "process <file>...",
	Short: "Process safety data sheets",
	Long:  "Runs each file through heuristics, the model pass and UN-table enrichment. Online completion fills remaining gaps unless --offline is set.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return eris.Wrap(err, "process: open store")
		}
		defer st.Close()
		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "process: migrate")
		}

		mode := pipeline.ModeOnline
		if processOffline {
			mode = pipeline.ModeOffline
		}

		processor, err := buildProcessor(st, mode == pipeline.ModeOnline)
		if err != nil {
			return eris.Wrap(err, "process: build processor")
		}

		workers := processWorkers
		if workers <= 0 {
			workers = cfg.Queue.Workers
		}
		var failed atomic.Int64
		queue := pipeline.NewQueue(ctx, processor, workers, cfg.Queue.Buffer, pipeline.QueueCallbacks{
			OnFinished: func(path, docID string) {
				fmt.Printf("processed %s (document %s)\n", path, docID)
			},
			OnFailed: func(path string, err error) {
				failed.Add(1)
				fmt.Printf("FAILED %s: %v\n", path, err)
			},
		})

		for _, path := range args {
			if err := queue.Enqueue(path, mode); err != nil {
				return eris.Wrapf(err, "process: enqueue %s", path)
			}
		}
		if !queue.Stop(30 * time.Minute) {
			zap.L().Warn("processing did not drain before the deadline")
		}

		if n := failed.Load(); n > 0 {
			return eris.Errorf("process: %d of %d files failed", n, len(args))
		}
		return nil
	},
}

func init() {
	processCmd.Flags().BoolVar(&processOffline, "offline", false, "skip the online completion step")
	processCmd.Flags().IntVar(&processWorkers, "workers", 0, "override the configured worker count")
	rootCmd.AddCommand(processCmd)
}
