package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/superfly/fsm"

	"github.com/softreck/sdflash/internal/config"
	"github.com/softreck/sdflash/pkg/db"
	"github.com/softreck/sdflash/pkg/device"
	"github.com/softreck/sdflash/pkg/errors"
	appfsm "github.com/softreck/sdflash/pkg/fsm"
	"github.com/softreck/sdflash/pkg/image"
	"github.com/softreck/sdflash/pkg/storage"
	"github.com/softreck/sdflash/pkg/verify"
	"github.com/softreck/sdflash/pkg/writer"
)

// loadConfig loads and validates the configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, errors.Wrap(err, "config load failed")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config invalid")
	}
	return cfg, nil
}

// ensureDirectories creates the parent directory of each file path.
func ensureDirectories(filePaths ...string) error {
	for _, p := range filePaths {
		if p == "" {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			return errors.Wrap(err, "failed to create directory for "+p)
		}
	}
	return nil
}

// runtime is everything a flashing command needs.
type runtime struct {
	catalog device.Catalog
	machine *appfsm.Machine
	source  *image.Source

	closers []func()
}

func (r *runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

// setup resolves the image and wires catalog, writer, verifier, history and
// the FSM manager together.
func setup(ctx context.Context, cfg *config.Config, sink appfsm.Sink) (*runtime, error) {
	rt := &runtime{catalog: device.NewCatalog()}

	src, err := resolveImage(ctx, cfg)
	if err != nil {
		return nil, err
	}
	rt.source = src

	var history *db.Repository
	if cfg.HistoryDB != "" {
		if err := ensureDirectories(cfg.HistoryDB); err != nil {
			return nil, err
		}
		history, err = db.NewRepository(cfg.HistoryDB)
		if err != nil {
			return nil, errors.Wrap(err, "db init failed")
		}
		rt.closers = append(rt.closers, func() { history.Close() })
	}

	fsmDBPath := cfg.FSMDBPath
	if fsmDBPath == "" {
		fsmDBPath, err = os.MkdirTemp("", "sdflash-fsm-")
		if err != nil {
			rt.Close()
			return nil, errors.Wrap(err, "failed to create FSM directory")
		}
		dir := fsmDBPath
		rt.closers = append(rt.closers, func() { os.RemoveAll(dir) })
	} else if err := os.MkdirAll(fsmDBPath, 0755); err != nil {
		rt.Close()
		return nil, errors.Wrap(err, "failed to create FSM directory")
	}

	manager, err := fsm.New(fsm.Config{DBPath: fsmDBPath})
	if err != nil {
		rt.Close()
		return nil, errors.Wrap(err, "FSM manager failed")
	}
	rt.closers = append(rt.closers, func() { manager.Shutdown(10 * time.Second) })

	syncInterval, err := writer.ParseSize(cfg.SyncInterval)
	if err != nil {
		rt.Close()
		return nil, errors.Wrap(err, "invalid sync-interval")
	}

	w := writer.New(writer.NewBlockSizePolicy(cfg.BlockSize), syncInterval)
	v := verify.New(cfg.SampleWindows, 0)
	opts := appfsm.Options{
		SkipVerify: cfg.SkipVerification(),
		ForceFull:  cfg.VerifyFull,
		Force:      cfg.Force,
	}
	if opts.SkipVerify {
		slog.Warn("verification_disabled", "source", "SKIP_VERIFY")
	}

	rt.machine = appfsm.NewMachine(rt.catalog, w, v, history, sink, opts)
	if err := rt.machine.Register(ctx, manager); err != nil {
		rt.Close()
		return nil, errors.Wrap(err, "FSM register failed")
	}

	return rt, nil
}

// resolveImage opens the configured image, downloading it first when it is
// an s3:// reference.
func resolveImage(ctx context.Context, cfg *config.Config) (*image.Source, error) {
	if cfg.Image == "" {
		return nil, fmt.Errorf("no image given (use --image or SDFLASH_IMAGE)")
	}

	if !storage.IsRemote(cfg.Image) {
		src, err := image.Open(cfg.Image, "")
		return src, errors.Wrap(err, "invalid image")
	}

	res, err := storage.Fetch(ctx, cfg.Image, cfg.S3Region, cfg.WorkDir)
	if err != nil {
		return nil, errors.Wrap(err, "image fetch failed")
	}
	src, err := image.Open(res.LocalPath, res.SHA256)
	return src, errors.Wrap(err, "invalid image")
}

// eventPrinter renders job events for a terminal. Progress is printed in
// steps of 10% per job.
type eventPrinter struct {
	mu   sync.Mutex
	last map[string]int64
}

func newEventPrinter() *eventPrinter {
	return &eventPrinter{last: make(map[string]int64)}
}

func (p *eventPrinter) Print(ev appfsm.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch ev.Kind {
	case appfsm.EventDeviceDiscovered:
		fmt.Printf("➕ %s inserted\n", ev.DevicePath)
	case appfsm.EventDeviceRemoved:
		fmt.Printf("➖ %s removed\n", ev.DevicePath)
	case appfsm.EventStateChanged:
		if !ev.To.Terminal() {
			fmt.Printf("   %s: %s\n", ev.DevicePath, ev.To)
		}
	case appfsm.EventWriteProgress:
		if ev.Total <= 0 {
			return
		}
		pct := ev.Written * 100 / ev.Total
		if pct/10 == p.last[ev.JobID]/10 && ev.Written != ev.Total {
			return
		}
		p.last[ev.JobID] = pct
		fmt.Printf("   %s: %3d%% %s/%s %s/s eta %s\n", ev.DevicePath, pct,
			humanize.IBytes(uint64(ev.Written)), humanize.IBytes(uint64(ev.Total)),
			humanize.IBytes(uint64(ev.Throughput)), ev.ETA.Round(time.Second))
	case appfsm.EventTerminal:
		delete(p.last, ev.JobID)
		switch ev.To {
		case appfsm.StateSucceeded:
			fmt.Printf("✅ %s: %s\n", ev.DevicePath, ev.Detail)
		case appfsm.StateCancelled:
			fmt.Printf("⏹️  %s: %s\n", ev.DevicePath, ev.Detail)
		default:
			fmt.Printf("❌ %s: %s (%s)\n", ev.DevicePath, ev.Detail, ev.Reason)
		}
	}
}
