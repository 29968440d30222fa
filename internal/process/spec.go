package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
)

var (
	// ErrExecutableNotFound means no backend jar or no runtime launcher could be resolved.
	ErrExecutableNotFound = errors.New("backend executable not found")
	// ErrSpawnFailed means the operating system refused to start the process.
	ErrSpawnFailed = errors.New("backend spawn failed")
)

// LaunchSpec describes how the backend is launched.
type LaunchSpec struct {
	Dir      string   // directory holding the executable jar
	Jar      string   // explicit jar path; discovered in Dir when empty
	Runtime  string   // explicit launcher; used when the bundled one is absent
	JREDir   string   // bundled runtime root: <JREDir>/bin/java[.exe]
	Port     int      // bound port passed as -Dserver.port
	MaxHeap  string   // -Xmx value, e.g. "256m"
	LogLevel string   // -Dlogging.level.root
	DataDir  string   // -Dapp.data.dir
	LogDir   string   // -Dlogging.path
	WorkDir  string   // working directory; defaults to Dir
	Env      []string // fully composed environment; nil inherits
}

// ResolveJar returns the first executable jar in dir, skipping the
// *.original.jar left behind by repackaging.
func ResolveJar(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("%w: read %s: %v", ErrExecutableNotFound, dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		n := e.Name()
		if e.IsDir() || !strings.HasSuffix(n, ".jar") || strings.HasSuffix(n, ".original.jar") {
			continue
		}
		names = append(names, n)
	}
	if len(names) == 0 {
		return "", fmt.Errorf("%w: no jar in %s", ErrExecutableNotFound, dir)
	}
	sort.Strings(names)
	return filepath.Join(dir, names[0]), nil
}

// ResolveRuntime picks the launcher: bundled runtime if present, else the
// configured runtime, else "java" from PATH.
func ResolveRuntime(jreDir, configured string) (string, error) {
	if jreDir != "" {
		name := "java"
		if runtime.GOOS == "windows" {
			name = "java.exe"
		}
		bundled := filepath.Join(jreDir, "bin", name)
		if st, err := os.Stat(bundled); err == nil && !st.IsDir() {
			if runtime.GOOS != "windows" {
				_ = os.Chmod(bundled, 0o755) // #nosec G302 launcher must be executable
			}
			return bundled, nil
		}
	}
	if configured != "" {
		if _, err := os.Stat(configured); err == nil {
			return configured, nil
		}
		if p, err := exec.LookPath(configured); err == nil {
			return p, nil
		}
		return "", fmt.Errorf("%w: runtime %s", ErrExecutableNotFound, configured)
	}
	p, err := exec.LookPath("java")
	if err != nil {
		return "", fmt.Errorf("%w: java not on PATH", ErrExecutableNotFound)
	}
	return p, nil
}

// Args returns the launcher arguments for jar, in the order the backend expects.
func (s LaunchSpec) Args(jar string) []string {
	var args []string
	if s.MaxHeap != "" {
		args = append(args, "-Xmx"+s.MaxHeap)
	}
	args = append(args, "-Dserver.port="+strconv.Itoa(s.Port))
	if s.LogDir != "" {
		args = append(args, "-Dlogging.path="+s.LogDir)
	}
	if s.LogLevel != "" {
		args = append(args, "-Dlogging.level.root="+s.LogLevel)
	}
	if s.DataDir != "" {
		args = append(args, "-Dapp.data.dir="+s.DataDir)
	}
	return append(args, "-jar", jar)
}

// BuildCommand resolves the jar and runtime, prepares data and log
// directories, and returns the unstarted command.
func (s LaunchSpec) BuildCommand() (*exec.Cmd, error) {
	if s.Port < 1 || s.Port > 65535 {
		return nil, fmt.Errorf("invalid backend port %d", s.Port)
	}
	jar := s.Jar
	if jar == "" {
		var err error
		if jar, err = ResolveJar(s.Dir); err != nil {
			return nil, err
		}
	} else if _, err := os.Stat(jar); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrExecutableNotFound, jar)
	}
	launcher, err := ResolveRuntime(s.JREDir, s.Runtime)
	if err != nil {
		return nil, err
	}
	for _, d := range []string{s.DataDir, s.LogDir} {
		if d == "" {
			continue
		}
		if err := os.MkdirAll(d, 0o750); err != nil {
			return nil, fmt.Errorf("create %s: %w", d, err)
		}
	}

	// #nosec G204 launcher and jar are resolved from configuration
	cmd := exec.Command(launcher, s.Args(jar)...)
	cmd.Dir = s.WorkDir
	if cmd.Dir == "" {
		cmd.Dir = filepath.Dir(jar)
	}
	if s.Env != nil {
		cmd.Env = s.Env
	}
	return cmd, nil
}
