package updater

import (
	"context"
	"log/slog"
	"os"
	"runtime"

	"github.com/loykin/printshell/internal/process"
)

// DetachedInstaller launches the downloaded installer as an independent
// process so it survives the shell exiting.
type DetachedInstaller struct {
	Args   []string // extra installer arguments; see DefaultInstallerArgs
	Logger *slog.Logger
}

// DefaultInstallerArgs asks the installer to relaunch the app when done.
func DefaultInstallerArgs() []string {
	if runtime.GOOS == "windows" {
		return []string{"--updated", "--force-run"}
	}
	return nil
}

func (d DetachedInstaller) Install(_ context.Context, artifact string) error {
	if runtime.GOOS != "windows" {
		if err := os.Chmod(artifact, 0o755); err != nil { // #nosec G302 installer must be executable
			return err
		}
	}
	pid, err := process.StartDetached(artifact, d.Args...)
	if err != nil {
		return err
	}
	if d.Logger != nil {
		d.Logger.Info("installer started", "pid", pid, "artifact", artifact)
	}
	return nil
}
