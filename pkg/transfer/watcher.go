package transfer

import (
	"context"
	"os"
	"time"
)

// watchInterval is the poll period for source file existence checks.
// Polling is deliberate: it survives editors that replace files via
// rename, network mounts without change notification, and needs no
// platform-specific watcher plumbing for a simple liveness check.
const watchInterval = 500 * time.Millisecond

// watchFile polls path until it disappears or ctx is cancelled. When the
// file vanishes mid-transfer, onMissing fires once and the watcher exits.
func watchFile(ctx context.Context, path string, onMissing func()) {
	t := time.NewTicker(watchInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := os.Stat(path); os.IsNotExist(err) {
				onMissing()
				return
			}
		}
	}
}
