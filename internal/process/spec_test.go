package process

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))
}

func TestResolveJar(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "print-backend-1.0.original.jar"))
	touch(t, filepath.Join(dir, "print-backend-1.0.jar"))
	touch(t, filepath.Join(dir, "README.txt"))

	jar, err := ResolveJar(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "print-backend-1.0.jar"), jar)
}

func TestResolveJar_Missing(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "only.original.jar"))
	_, err := ResolveJar(dir)
	assert.True(t, errors.Is(err, ErrExecutableNotFound))

	_, err = ResolveJar(filepath.Join(dir, "nope"))
	assert.True(t, errors.Is(err, ErrExecutableNotFound))
}

func TestResolveRuntime_PrefersBundled(t *testing.T) {
	jre := t.TempDir()
	name := "java"
	if runtime.GOOS == "windows" {
		name = "java.exe"
	}
	bundled := filepath.Join(jre, "bin", name)
	touch(t, bundled)

	got, err := ResolveRuntime(jre, "/does/not/matter")
	require.NoError(t, err)
	assert.Equal(t, bundled, got)

	if runtime.GOOS != "windows" {
		st, err := os.Stat(bundled)
		require.NoError(t, err)
		assert.NotZero(t, st.Mode()&0o100, "bundled runtime should be executable")
	}
}

func TestResolveRuntime_FallsBackToConfigured(t *testing.T) {
	exe, err := os.Executable()
	require.NoError(t, err)
	got, err := ResolveRuntime(t.TempDir(), exe)
	require.NoError(t, err)
	assert.Equal(t, exe, got)

	_, err = ResolveRuntime("", filepath.Join(t.TempDir(), "missing-java"))
	assert.True(t, errors.Is(err, ErrExecutableNotFound))
}

func TestArgsOrder(t *testing.T) {
	s := LaunchSpec{Port: 23333, MaxHeap: "256m", LogDir: "/logs", LogLevel: "info", DataDir: "/data"}
	assert.Equal(t, []string{
		"-Xmx256m",
		"-Dserver.port=23333",
		"-Dlogging.path=/logs",
		"-Dlogging.level.root=info",
		"-Dapp.data.dir=/data",
		"-jar", "app.jar",
	}, s.Args("app.jar"))

	assert.Equal(t, []string{"-Dserver.port=1", "-jar", "a.jar"}, LaunchSpec{Port: 1}.Args("a.jar"))
}

func TestBuildCommand_CreatesDirs(t *testing.T) {
	backend := t.TempDir()
	touch(t, filepath.Join(backend, "app.jar"))
	exe, err := os.Executable()
	require.NoError(t, err)
	user := t.TempDir()

	s := LaunchSpec{
		Dir:     backend,
		Runtime: exe,
		Port:    24001,
		DataDir: filepath.Join(user, "data"),
		LogDir:  filepath.Join(user, "logs"),
		Env:     []string{"A=1"},
	}
	cmd, err := s.BuildCommand()
	require.NoError(t, err)
	assert.Equal(t, exe, cmd.Path)
	assert.Equal(t, backend, cmd.Dir)
	assert.Equal(t, []string{"A=1"}, cmd.Env)
	assert.Contains(t, cmd.Args, "-Dserver.port=24001")
	assert.DirExists(t, s.DataDir)
	assert.DirExists(t, s.LogDir)
}

func TestBuildCommand_InvalidPort(t *testing.T) {
	_, err := LaunchSpec{Dir: t.TempDir()}.BuildCommand()
	require.Error(t, err)
}
