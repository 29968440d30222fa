package env

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMerge_LayerOrder(t *testing.T) {
	t.Setenv("PRINTSHELL_ENV_TEST", "os")
	e := New(true).Set("PRINTSHELL_ENV_TEST", "global").Set("ONLY_GLOBAL", "g")
	out := e.Merge([]string{"PRINTSHELL_ENV_TEST=launch"})

	assert.Contains(t, out, "PRINTSHELL_ENV_TEST=launch")
	assert.Contains(t, out, "ONLY_GLOBAL=g")
}

func TestMerge_WithoutOS(t *testing.T) {
	t.Setenv("PRINTSHELL_ENV_TEST", "os")
	out := New(false).SetList([]string{"A=1", "bad", "=x"}).Merge(nil)
	assert.Equal(t, []string{"A=1"}, out)
}

func TestMerge_ExpandsAndSorts(t *testing.T) {
	out := New(false).SetList([]string{"HOME_DIR=/opt/app", "DATA=${HOME_DIR}/data", "KEEP=${MISSING}"}).Merge(nil)
	assert.Equal(t, []string{"DATA=/opt/app/data", "HOME_DIR=/opt/app", "KEEP=${MISSING}"}, out)
}

func TestLoadFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "backend.env")
	require.NoError(t, os.WriteFile(p, []byte("# comment\nSPRING_PROFILES_ACTIVE = desktop\n\nJAVA_TOOL_OPTIONS=-Dfile.encoding=UTF-8\n"), 0o600))

	e := New(false)
	require.NoError(t, e.LoadFile(p))
	out := e.Merge(nil)
	assert.Equal(t, []string{"JAVA_TOOL_OPTIONS=-Dfile.encoding=UTF-8", "SPRING_PROFILES_ACTIVE=desktop"}, out)

	assert.Error(t, e.LoadFile(filepath.Join(t.TempDir(), "missing.env")))
}

func TestSplit(t *testing.T) {
	k, v, ok := Split("A=b=c")
	require.True(t, ok)
	assert.Equal(t, "A", k)
	assert.Equal(t, "b=c", v)
	_, _, ok = Split("novalue")
	assert.False(t, ok)
}
