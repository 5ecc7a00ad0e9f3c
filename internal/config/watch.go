package config

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/casterlabs/speedtest/internal/metrics"
	"github.com/charmbracelet/log"
	"github.com/m-lab/go/memoryless"
)

// Watch polls the modification time of path roughly every interval and
// calls onChange with the reloaded configuration whenever it changes. A file
// that fails to load is logged and the previous configuration stays active.
// Watch blocks until ctx is done.
func Watch(ctx context.Context, path string, interval time.Duration, onChange func(Config)) error {
	if interval <= 0 {
		return errors.New("poll interval must be positive")
	}
	t, err := memoryless.NewTicker(ctx, memoryless.Config{
		Min:      interval / 2,
		Expected: interval,
		Max:      interval * 2,
	})
	if err != nil {
		return err
	}
	defer t.Stop()

	last := modTime(path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			mt := modTime(path)
			if mt.Equal(last) {
				continue
			}
			last = mt
			cfg, err := Load(path)
			if err != nil {
				log.Error("Unable to reload config file", "path", path, "err", err)
				metrics.ConfigReloadsTotal.WithLabelValues("error").Inc()
				continue
			}
			metrics.ConfigReloadsTotal.WithLabelValues("ok").Inc()
			onChange(cfg)
		}
	}
}

func modTime(path string) time.Time {
	fi, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return fi.ModTime()
}
