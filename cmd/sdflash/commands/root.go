package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "sdflash",
	Short: "Flash SD cards from an image, one job per inserted card",
	Long: `Writes a source image to removable storage devices, verifies the result,
and can handle several cards at once. Fixed and system disks are never written.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("image", "", "Source image: local path or s3://bucket/key")
	flags.Duration("poll-interval", 2*time.Second, "Device polling interval")
	flags.Bool("force", false, "Unmount mounted partitions instead of rejecting the device")
	flags.Bool("verify-full", false, "Verify every byte regardless of image size")
	flags.String("block-size", "", "Write chunk size override, e.g. 16M (env BLOCK_SIZE)")
	flags.String("sync-interval", "256M", "Bytes written between flushes")
	flags.Int("sample-windows", 8, "Interior windows checked by sampled verification")
	flags.String("fsm-db-path", "", "FSM BoltDB directory (default: temporary)")
	flags.String("history-db", "", "SQLite job history path (empty disables history)")
	flags.String("s3-region", "us-east-1", "S3 region for s3:// images")
	flags.String("work-dir", "", "Working directory for downloaded images (default: $TMPDIR/sdflash)")

	for _, name := range []string{
		"image", "poll-interval", "force", "verify-full", "block-size", "sync-interval",
		"sample-windows", "fsm-db-path", "history-db", "s3-region", "work-dir",
	} {
		viper.BindPFlag(name, flags.Lookup(name))
	}
}
