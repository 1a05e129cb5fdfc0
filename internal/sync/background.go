package sync

import (
	"os"
	"os/exec"
	"path/filepath"
)

// BackgroundCommand is the hidden CLI command a detached sync process runs.
const BackgroundCommand = "_internal_background_sync"

// SpawnBackgroundSync starts a detached copy of the running executable that
// pushes pending work, so the foreground command can exit immediately.
func SpawnBackgroundSync(extraArgs ...string) error {
	executable, err := os.Executable()
	if err != nil {
		return err
	}
	executable, err = filepath.EvalSymlinks(executable)
	if err != nil {
		return err
	}

	cmd := exec.Command(executable, append([]string{BackgroundCommand}, extraArgs...)...)
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.Stdin = nil
	if err := cmd.Start(); err != nil {
		return err
	}
	// The child outlives us; release it instead of waiting.
	return cmd.Process.Release()
}
