package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/softreck/sdflash/pkg/device"
	"github.com/softreck/sdflash/pkg/errors"
)

var devicesAll bool

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List block devices and whether they can be flashed",
	RunE:  runDevices,
}

func init() {
	rootCmd.AddCommand(devicesCmd)
	devicesCmd.Flags().BoolVar(&devicesAll, "all", false, "Include fixed and system disks")
}

func runDevices(cmd *cobra.Command, args []string) error {
	devs, err := device.NewCatalog().ListDevices(context.Background())
	if err != nil {
		return errors.Wrap(err, "device enumeration failed")
	}
	if !devicesAll {
		devs = device.Removable(devs)
	}

	if len(devs) == 0 {
		fmt.Println("No removable devices found")
		return nil
	}

	fmt.Printf("%-16s %-10s %-10s %-24s %-30s\n", "DEVICE", "SIZE", "CLASS", "MODEL", "MOUNTS")
	fmt.Println("--------------------------------------------------------------------------------------------")

	for _, d := range devs {
		class := "removable"
		switch {
		case d.System:
			class = "system"
		case !d.Removable:
			class = "fixed"
		}

		mounts := "-"
		if d.Mounted() {
			points := make([]string, 0, len(d.Mounts))
			for _, m := range d.Mounts {
				points = append(points, m.Mountpoint)
			}
			mounts = strings.Join(points, ",")
		}

		model := d.Model
		if model == "" {
			model = "-"
		}

		fmt.Printf("%-16s %-10s %-10s %-24s %-30s\n",
			d.Path, humanize.IBytes(uint64(d.Size)), class, model, mounts)
	}

	return nil
}
