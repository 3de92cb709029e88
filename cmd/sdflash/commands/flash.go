package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/softreck/sdflash/pkg/errors"
	appfsm "github.com/softreck/sdflash/pkg/fsm"
	"github.com/softreck/sdflash/pkg/orchestrator"
)

var flashCmd = &cobra.Command{
	Use:   "flash <device>...",
	Short: "Flash the image onto the given devices and exit",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runFlash,
}

func init() {
	rootCmd.AddCommand(flashCmd)
}

func runFlash(cmd *cobra.Command, args []string) error {
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

	orch := orchestrator.New(rt.catalog, rt.machine, rt.source, cfg.PollInterval, printer.Print)

	jobs := make([]*appfsm.Job, 0, len(args))
	for _, path := range args {
		job, err := orch.Submit(path)
		if err != nil {
			slog.Error("submit_failed", "device", path, "error", err)
			fmt.Printf("❌ %s: %v\n", path, err)
			continue
		}
		jobs = append(jobs, job)
	}

	waited := make(chan struct{})
	go func() {
		orch.Wait()
		close(waited)
	}()

	select {
	case <-waited:
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := orch.Shutdown(shutdownCtx); err != nil {
			return errors.Wrap(err, "shutdown incomplete")
		}
	}

	snaps := orch.Snapshot()
	summarize(snaps)

	if len(jobs) < len(args) {
		return fmt.Errorf("%d of %d devices were not flashed", len(args)-len(jobs), len(args))
	}
	for _, s := range snaps {
		if s.State != appfsm.StateSucceeded {
			return fmt.Errorf("flashing %s ended %s: %s", s.DevicePath, s.State, s.Reason)
		}
	}
	return nil
}
