package commands

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/softreck/sdflash/pkg/db"
	"github.com/softreck/sdflash/pkg/errors"
)

var (
	historyLimit  int
	historyDevice string
)

var historyCmd = &cobra.Command{
	Use:   "history [job-id]",
	Short: "Show recorded flash jobs",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVar(&historyLimit, "limit", db.DefaultListLimit, "Maximum number of jobs to show")
	historyCmd.Flags().StringVar(&historyDevice, "device", "", "Only show jobs for this device")
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.HistoryDB == "" {
		return fmt.Errorf("job history is disabled (set --history-db or SDFLASH_HISTORY_DB)")
	}

	repo, err := db.NewRepository(cfg.HistoryDB)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	if len(args) == 1 {
		rec, err := repo.Get(args[0])
		if err != nil {
			return errors.Wrap(err, "lookup failed")
		}
		if rec == nil {
			return fmt.Errorf("job %s not found", args[0])
		}
		printRecord(rec)
		return nil
	}

	var records []*db.JobRecord
	if historyDevice != "" {
		records, err = repo.ListByDevice(historyDevice)
	} else {
		records, err = repo.List(historyLimit)
	}
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	if len(records) == 0 {
		fmt.Println("No jobs recorded")
		return nil
	}

	fmt.Printf("%-36s %-14s %-10s %-22s %-20s\n", "JOB", "DEVICE", "STATE", "REASON", "STARTED")
	fmt.Println("----------------------------------------------------------------------------------------------------------")

	for _, rec := range records {
		reason := rec.Reason
		if reason == "" {
			reason = "-"
		}
		fmt.Printf("%-36s %-14s %-10s %-22s %-20s\n",
			rec.ID, rec.DevicePath, rec.State, reason, rec.StartedAt.Local().Format("2006-01-02 15:04:05"))
	}

	return nil
}

func printRecord(rec *db.JobRecord) {
	fmt.Printf("Job:       %s\n", rec.ID)
	fmt.Printf("Device:    %s\n", rec.DevicePath)
	fmt.Printf("Image:     %s (%s)\n", rec.ImagePath, humanize.IBytes(uint64(rec.ImageSize)))
	if rec.ImageSHA256 != "" {
		fmt.Printf("SHA256:    %s\n", rec.ImageSHA256)
	}
	fmt.Printf("State:     %s\n", rec.State)
	if rec.Reason != "" {
		fmt.Printf("Reason:    %s\n", rec.Reason)
	}
	fmt.Printf("Detail:    %s\n", rec.Detail)
	fmt.Printf("Written:   %s\n", humanize.IBytes(uint64(rec.BytesWritten)))
	fmt.Printf("Verified:  %s (%s)\n", humanize.IBytes(uint64(rec.BytesVerified)), rec.VerifyMode)
	fmt.Printf("Duration:  %s\n", rec.EndedAt.Sub(rec.StartedAt).Round(time.Millisecond))
}
