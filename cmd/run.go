package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hammy15/snfalyze-sub014/internal/model"
	"github.com/hammy15/snfalyze-sub014/internal/pipeline"
)

var (
	runDealID  string
	runDocType string
	runOutPath string
)

var runCmd = &cobra.Command{
	Use:   "run [files...]",
	Short: "Process a batch of documents through the pipeline",
	Long:  "Starts a session over the given document files, streams progress until the session reaches a terminal state, then prints the reconciliation summary and any pending clarifications.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		docs := make([]pipeline.DocumentInput, 0, len(args))
		for _, path := range args {
			raw, err := os.ReadFile(path)
			if err != nil {
				return eris.Wrapf(err, "read %s", path)
			}
			docs = append(docs, pipeline.DocumentInput{
				Filename: filepath.Base(path),
				Raw:      raw,
				DocType:  model.DocumentType(runDocType),
			})
		}

		sessionID, err := env.Manager.Start(ctx, docs, runDealID)
		if err != nil {
			return err
		}
		fmt.Printf("session %s started with %d documents\n", sessionID, len(docs))

		events, unsubscribe, err := env.Manager.Subscribe(sessionID)
		if err != nil {
			return err
		}
		defer unsubscribe()

		done := ctx.Done()
	stream:
		for {
			select {
			case <-done:
				done = nil
				zap.L().Info("interrupt received, cancelling session",
					zap.String("session_id", sessionID))
				if err := env.Manager.Cancel(context.Background(), sessionID); err != nil {
					zap.L().Warn("cancel session", zap.Error(err))
				}
			case ev, ok := <-events:
				if !ok {
					break stream
				}
				fmt.Printf("[%4d] %-22s docs %d/%d (%d failed)  facilities %d  conflicts %d  clarifications %d\n",
					ev.Seq, ev.Kind,
					ev.Summary.DocsProcessed, ev.Summary.DocsTotal, ev.Summary.DocsFailed,
					ev.Summary.Facilities, ev.Summary.OpenConflicts, ev.Summary.PendingClarifications)
			}
		}

		view, err := env.Manager.Get(context.Background(), sessionID)
		if err != nil {
			return err
		}
		printSessionView(view)

		if runOutPath != "" {
			if err := writeProfileWorkbook(runOutPath, view.Profiles); err != nil {
				return err
			}
			fmt.Printf("profiles written to %s\n", runOutPath)
		}
		return nil
	},
}

func printSessionView(view *pipeline.SessionView) {
	fmt.Printf("\nsession %s: %s\n", view.Session.ID, view.Session.Status)
	fmt.Printf("  documents: %d processed, %d failed of %d\n",
		view.Summary.DocsProcessed, view.Summary.DocsFailed, view.Summary.DocsTotal)
	fmt.Printf("  facilities: %d  open conflicts: %d  pending clarifications: %d\n",
		view.Summary.Facilities, view.Summary.OpenConflicts, view.Summary.PendingClarifications)

	for _, c := range view.Clarifications {
		if c.Status != model.ClarificationPending {
			continue
		}
		fmt.Printf("  [%s] %s: %s %s (period %s)", c.Priority, c.Type, facilityName(view, c.FacilityID), c.Field, c.PeriodKey)
		if len(c.Suggested) > 0 {
			fmt.Printf(" candidates %v", c.Suggested)
		}
		fmt.Println()
	}
}

func facilityName(view *pipeline.SessionView, facilityID string) string {
	for _, p := range view.Profiles {
		if p.ID == facilityID {
			return p.Name
		}
	}
	return facilityID
}

func init() {
	runCmd.Flags().StringVar(&runDealID, "deal", "", "deal id to attach the session to (resumes prior profiles)")
	runCmd.Flags().StringVar(&runDocType, "type", "", "document type for all inputs (skips type detection)")
	runCmd.Flags().StringVar(&runOutPath, "out", "", "write reconciled profiles to an xlsx workbook")
	rootCmd.AddCommand(runCmd)
}
