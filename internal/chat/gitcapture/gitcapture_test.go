package gitcapture

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		require.NoError(t, cmd.Run())
	}
	run("init", "-q")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "tracked.txt"), []byte("one\n"), 0o644))
	run("add", "tracked.txt")
	run("commit", "-q", "-m", "initial")
	return dir
}

func TestCapture_NotAGitWorkTree(t *testing.T) {
	dir := t.TempDir()
	runDir := t.TempDir()

	res, err := Capture(dir, runDir)
	require.NoError(t, err)
	require.False(t, res.DiffAvailable)
	require.Empty(t, res.UntrackedFiles)
}

func TestCapture_TrackedModificationWritesDiff(t *testing.T) {
	repo := initRepo(t)
	runDir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(repo, "tracked.txt"), []byte("one\ntwo\n"), 0o644))

	res, err := Capture(repo, runDir)
	require.NoError(t, err)
	require.True(t, res.DiffAvailable)

	diff, err := os.ReadFile(filepath.Join(runDir, "diff.patch"))
	require.NoError(t, err)
	require.Contains(t, string(diff), "tracked.txt")
}

func TestCapture_UntrackedFileIsMirrored(t *testing.T) {
	repo := initRepo(t)
	runDir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(repo, "new_file.txt"), []byte("new content"), 0o644))

	res, err := Capture(repo, runDir)
	require.NoError(t, err)
	require.Contains(t, res.UntrackedFiles, "new_file.txt")

	mirrored, err := os.ReadFile(filepath.Join(runDir, "untracked", "new_file.txt"))
	require.NoError(t, err)
	require.Equal(t, "new content", string(mirrored))
}

func TestCapture_LargeUntrackedFileReplacedWithPlaceholder(t *testing.T) {
	repo := initRepo(t)
	runDir := t.TempDir()

	big := make([]byte, MaxUntrackedFileBytes+1)
	require.NoError(t, os.WriteFile(filepath.Join(repo, "big.bin"), big, 0o644))

	_, err := Capture(repo, runDir)
	require.NoError(t, err)

	mirrored, err := os.ReadFile(filepath.Join(runDir, "untracked", "big.bin"))
	require.NoError(t, err)
	require.Equal(t, placeholderText, string(mirrored))
}

func TestIsRejectedPath(t *testing.T) {
	require.True(t, IsRejectedPath("/etc/passwd"))
	require.True(t, IsRejectedPath("../outside"))
	require.True(t, IsRejectedPath("a/../../b"))
	require.False(t, IsRejectedPath("nested/dir/file.txt"))
}
