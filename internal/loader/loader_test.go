package loader

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeDL struct {
	opened  []string
	closed  []uintptr
	failOn  string
	handles map[uintptr]string
}

func stubDL(t *testing.T) *fakeDL {
	t.Helper()
	f := &fakeDL{handles: make(map[uintptr]string)}
	origOpen, origClose := dlopen, dlclose
	dlopen = func(path string) (uintptr, error) {
		if filepath.Base(path) == f.failOn {
			return 0, errors.New("bad ELF header")
		}
		f.opened = append(f.opened, filepath.Base(path))
		h := uintptr(len(f.opened))
		f.handles[h] = filepath.Base(path)
		return h, nil
	}
	dlclose = func(h uintptr) error {
		f.closed = append(f.closed, h)
		return nil
	}
	t.Cleanup(func() { dlopen, dlclose = origOpen, origClose })
	return f
}

func (f *fakeDL) closedNames() []string {
	out := make([]string, 0, len(f.closed))
	for _, h := range f.closed {
		out = append(out, f.handles[h])
	}
	return out
}

func sdkDir(t *testing.T, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, n := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), nil, 0o600))
	}
	return dir
}

func TestLoadInOrderCloseInReverse(t *testing.T) {
	dl := stubDL(t)
	dir := sdkDir(t, "a.so", "b.so", "c.so")

	l, err := Load(dir, Table{runtime.GOOS: {"b.so", "a.so", "c.so"}})
	require.NoError(t, err)
	require.Equal(t, []string{"b.so", "a.so", "c.so"}, dl.opened)
	require.Equal(t, []string{
		filepath.Join(dir, "b.so"),
		filepath.Join(dir, "a.so"),
		filepath.Join(dir, "c.so"),
	}, l.Paths())

	require.NoError(t, l.Close())
	require.Equal(t, []string{"c.so", "a.so", "b.so"}, dl.closedNames())
	require.Empty(t, l.Paths())
}

func TestMissingModuleFailsAndRollsBack(t *testing.T) {
	dl := stubDL(t)
	dir := sdkDir(t, "a.so")

	_, err := Load(dir, Table{runtime.GOOS: {"a.so", "missing.so"}})
	require.ErrorIs(t, err, ErrModuleMissing)
	require.Contains(t, err.Error(), "missing.so")
	require.Equal(t, []string{"a.so"}, dl.closedNames())
}

func TestOpenFailure(t *testing.T) {
	dl := stubDL(t)
	dl.failOn = "b.so"
	dir := sdkDir(t, "a.so", "b.so")

	_, err := Load(dir, Table{runtime.GOOS: {"a.so", "b.so"}})
	require.Error(t, err)
	require.Contains(t, err.Error(), "bad ELF header")
	require.Equal(t, []string{"a.so"}, dl.closedNames())
}

func TestNothingToLoad(t *testing.T) {
	dl := stubDL(t)

	l, err := Load("", Table{runtime.GOOS: {"a.so"}})
	require.NoError(t, err)
	require.Empty(t, l.Paths())

	l, err = Load(t.TempDir(), Table{"plan9": {"a.so"}})
	require.NoError(t, err)
	require.Empty(t, l.Paths())
	require.NoError(t, l.Close())
	require.Empty(t, dl.opened)
}
