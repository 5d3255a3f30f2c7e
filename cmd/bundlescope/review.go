package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bundlescope/bundlescope/internal/config"
	"github.com/bundlescope/bundlescope/internal/pipeline"
	"github.com/bundlescope/bundlescope/pkg/logging"
)

var (
	configPath string
	retryOnce  bool
)

var reviewCmd = &cobra.Command{
	Use:   "review <pr-number>",
	Short: "Fetch, extract, and diff the bundles referenced by a pull request",
	Args:  cobra.ExactArgs(1),
	RunE:  runReview,
}

func init() {
	reviewCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config (env vars override)")
	reviewCmd.Flags().BoolVar(&retryOnce, "retry", false, "retry the fetch stage once if the run fails")
}

func runReview(cmd *cobra.Command, args []string) error {
	number, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid PR number %q", args[0])
	}

	log := logging.New()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctrl, err := pipeline.New(cfg, log)
	if err != nil {
		return err
	}

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		printEvents(ctrl.Events())
	}()

	runErr := ctrl.Run(ctx, number)
	if runErr != nil && retryOnce && ctrl.State() == pipeline.Failed {
		log.Info("retrying failed run")
		runErr = ctrl.Retry(ctx)
	}
	ctrl.Close()
	<-drained
	return runErr
}

// printEvents is the headless event consumer: one line per event on stdout
// until the controller closes the stream.
func printEvents(events <-chan pipeline.Event) {
	for ev := range events {
		switch e := ev.(type) {
		case pipeline.ProgressEvent:
			fmt.Printf("[%s] %.0f%%\n", e.Stage, e.Fraction*100)
		case pipeline.ArtifactFetchedEvent:
			fmt.Printf("fetched %s\n", e.Kind)
		case pipeline.ExtractionDoneEvent:
			fmt.Printf("extracted %s\n", e.Kind)
		case pipeline.DiffResultReadyEvent:
			r := e.Result
			if r.Err != nil {
				fmt.Printf("%s %s: %s (tool error: %v)\n", r.Scope, r.RelPath, r.Status, r.Err)
			} else {
				fmt.Printf("%s %s: %s\n", r.Scope, r.RelPath, r.Status)
				if r.Text != "" {
					fmt.Println(r.Text)
				}
			}
		case pipeline.CompletedEvent:
			s := e.Summary
			fmt.Printf("done: %d added, %d removed, %d modified, %d unchanged, %d tool errors\n",
				s.Added, s.Removed, s.Modified, s.Unchanged, s.ToolErrors)
		case pipeline.FailedEvent:
			fmt.Printf("failed: %v\n", e.Reason)
		case pipeline.CancelledEvent:
			fmt.Println("cancelled")
		}
	}
}
