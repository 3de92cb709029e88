package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/softreck/sdflash/pkg/errors"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove downloaded images from the work directory",
	RunE:  runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
}

func runCleanup(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	cacheDir := filepath.Join(cfg.WorkDir, "images")
	if _, err := os.Stat(cacheDir); os.IsNotExist(err) {
		fmt.Println("Nothing to clean")
		return nil
	}

	var files int
	var total int64
	err = filepath.WalkDir(cacheDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			if info, err := d.Info(); err == nil {
				total += info.Size()
			}
			files++
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "failed to scan image cache")
	}

	fmt.Printf("🧹 Removing %d cached images (%s)...\n", files, humanize.IBytes(uint64(total)))
	if err := os.RemoveAll(cacheDir); err != nil {
		return errors.Wrap(err, "failed to remove image cache")
	}

	fmt.Println("✅ Cleaned")
	return nil
}
