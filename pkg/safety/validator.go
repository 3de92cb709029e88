// Package safety gates every write behind a fixed set of device predicates.
package safety

import (
	"log/slog"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/softreck/sdflash/pkg/device"
	"github.com/softreck/sdflash/pkg/errors"
	"github.com/softreck/sdflash/pkg/image"
)

// Ownership reports which active job, if any, currently owns a device path.
type Ownership interface {
	Owner(path string) (jobID string, ok bool)
}

// Validator applies the safety predicates. It keeps no state between calls,
// so a result is never reused for a later job.
type Validator struct {
	owners Ownership
	force  bool
}

// NewValidator creates a validator. force allows writing to devices with
// mounted partitions.
func NewValidator(owners Ownership, force bool) *Validator {
	slog.Info("safety_validator_init", "force", force)
	return &Validator{owners: owners, force: force}
}

// Force reports whether mounted devices are accepted.
func (v *Validator) Force() bool {
	return v.force
}

// Validate checks dev and src on behalf of jobID. It returns nil or an
// *errors.ValidationError for the first failing predicate.
func (v *Validator) Validate(dev device.Device, src *image.Source, jobID string) error {
	if src == nil || src.Size <= 0 {
		return v.reject(dev, errors.Rejected(errors.ReasonInvalidImage, "image is empty or missing"))
	}

	if !dev.Removable {
		return v.reject(dev, errors.Rejected(errors.ReasonNotRemovable,
			"%s is not reported as removable media", dev.Path))
	}

	if dev.System {
		return v.reject(dev, errors.Rejected(errors.ReasonSystemDisk,
			"%s hosts the running system (%s)", dev.Path, mountList(dev.Mounts)))
	}

	if v.owners != nil {
		if owner, ok := v.owners.Owner(dev.Path); ok && owner != jobID {
			return v.reject(dev, errors.Rejected(errors.ReasonDeviceAlreadyOwned,
				"%s is already being flashed by job %s", dev.Path, owner))
		}
	}

	if dev.Size < src.Size {
		return v.reject(dev, errors.Rejected(errors.ReasonInsufficientCapacity,
			"%s holds %s but the image needs %s", dev.Path,
			humanize.IBytes(uint64(max(dev.Size, 0))), humanize.IBytes(uint64(src.Size))))
	}

	if dev.Mounted() && !v.force {
		return v.reject(dev, errors.Rejected(errors.ReasonDeviceBusy,
			"%s has mounted partitions: %s", dev.Path, mountList(dev.Mounts)))
	}

	slog.Info("safety_device_validated", "device", dev.Path, "job_id", jobID, "mounted", dev.Mounted())
	return nil
}

func (v *Validator) reject(dev device.Device, err *errors.ValidationError) error {
	slog.Error("safety_validation_failed", "device", dev.Path, "reason", err.Reason, "detail", err.Detail)
	return err
}

func mountList(mounts []device.Mount) string {
	parts := make([]string, 0, len(mounts))
	for _, m := range mounts {
		parts = append(parts, m.Partition+" -> "+m.Mountpoint)
	}
	return strings.Join(parts, ", ")
}
