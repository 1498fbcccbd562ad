package progress

import (
	"fmt"

	"github.com/dustin/go-humanize"
)

// Render formats a snapshot as a single human-readable log line, e.g.
// "12/40 files, 128 failed, 1.2 GB/4.5 GB, 3.1 MB/s".
func (s Snapshot) Render() string {
	return fmt.Sprintf(
		"%s/%s files, %s failed, %s/%s, %s/s",
		humanize.Comma(int64(s.Downloaded)),
		humanize.Comma(int64(s.TotalFiles)),
		humanize.Comma(int64(s.Failed)),
		humanize.Bytes(uint64(s.CurrentBytes)),
		humanize.Bytes(uint64(s.TotalBytes)),
		humanize.Bytes(uint64(s.SpeedBps)),
	)
}
