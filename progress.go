package main

import (
	"os"
	"sync"

	"github.com/mattn/go-isatty"
	"github.com/schollz/progressbar/v3"

	"github.com/tgvault/tgvault/internal/telegram"
)

// progressReporter returns the per-transfer progress hook for the
// executor. Interactive terminals get a byte-count progress bar; in
// pipes and services the hook is nil and progress stays in the logs.
func progressReporter() func(name string, total int64) telegram.ProgressFunc {
	if flagQuiet || !isatty.IsTerminal(os.Stderr.Fd()) {
		return nil
	}

	return func(name string, total int64) telegram.ProgressFunc {
		bar := progressbar.DefaultBytes(total, name)

		var once sync.Once

		return func(received, _ int64) {
			_ = bar.Set64(received)

			if total > 0 && received >= total {
				once.Do(func() { _ = bar.Finish() })
			}
		}
	}
}
