package syncengine

import (
	"fmt"
	"os"
	"time"

	"botwave/internal/errs"
)

// StabilityPollInterval and StabilityTimeout implement the file-stability
// test: poll at 500ms for up to 120s; stable when size is unchanged across
// 3 consecutive polls and the file is openable for reading.
const (
	StabilityPollInterval = 500 * time.Millisecond
	StabilityTimeout       = 120 * time.Second
	stableStreak           = 3
)

// WaitStable blocks until path's size stops changing for stableStreak
// consecutive polls and the file can be opened for reading, or returns
// errs.ErrTimeout after StabilityTimeout.
func WaitStable(path string) error {
	deadline := time.Now().Add(StabilityTimeout)
	var lastSize int64 = -1
	streak := 0

	for {
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: waiting for %q to stabilize", errs.ErrTimeout, path)
		}

		info, err := os.Stat(path)
		if err != nil {
			time.Sleep(StabilityPollInterval)
			continue
		}
		if info.Size() == lastSize {
			streak++
		} else {
			streak = 1
			lastSize = info.Size()
		}

		if streak >= stableStreak {
			f, err := os.Open(path)
			if err == nil {
				f.Close()
				return nil
			}
		}
		time.Sleep(StabilityPollInterval)
	}
}
