package uplink

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Status is the connection state dump_status in the original reported,
// named the same way: "offline" before a socket exists, "connecting"
// before authentication completes, "online" once authenticated, and
// "bad-auth" after the server rejects us.
type Status string

const (
	StatusOffline    Status = "offline"
	StatusConnecting Status = "connecting"
	StatusOnline     Status = "online"
	StatusBadAuth    Status = "bad-auth"
)

// WriteStatusFile records status atomically: write to a temp file in
// the same directory, then rename over the target, so a reader never
// observes a truncated write, in place of the original's plain
// fopen/fprintf.
func WriteStatusFile(path string, status Status, at time.Time) error {
	if path == "" {
		return nil
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".uplink-status-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := fmt.Fprintf(tmp, "%s\t%d\n", status, at.Unix()); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// RemoveStatusFile removes the status file on clean shutdown, matching
// the original's unlink-on-close behavior.
func RemoveStatusFile(path string) error {
	if path == "" {
		return nil
	}
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
