package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/softreck/sdflash/pkg/errors"
	appfsm "github.com/softreck/sdflash/pkg/fsm"
	"github.com/softreck/sdflash/pkg/orchestrator"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Flash every removable device as it is inserted",
	Long: `Polls for removable devices and starts one flash job per inserted card.
Remove a finished card and insert the next one. Ctrl-C cancels running jobs.`,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	printer := newEventPrinter()
	rt, err := setup(ctx, cfg, printer.Print)
	if err != nil {
		return err
	}
	defer rt.Close()

	fmt.Printf("📀 Image: %s\n", rt.source)
	fmt.Println("🔍 Waiting for removable devices (Ctrl-C to stop)...")

	orch := orchestrator.New(rt.catalog, rt.machine, rt.source, cfg.PollInterval, printer.Print)
	if err := orch.Run(ctx); err != nil {
		return errors.Wrap(err, "shutdown incomplete")
	}

	summarize(orch.Snapshot())
	return nil
}

func summarize(snaps []appfsm.Snapshot) {
	var ok, failed, cancelled int
	for _, s := range snaps {
		switch s.State {
		case appfsm.StateSucceeded:
			ok++
		case appfsm.StateFailed:
			failed++
		case appfsm.StateCancelled:
			cancelled++
		}
	}
	fmt.Printf("Done: %d succeeded, %d failed, %d cancelled\n", ok, failed, cancelled)
}
