package watch

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/require"

	"github.com/GustavoWidman/syncr/internal/config"
)

// writeSyncConfig writes a .syncr file directly so a test can pin a
// debounce value LoadSyncConfig will then read back, since SyncBody's
// fields aren't settable from outside the config package once loaded.
func writeSyncConfig(t *testing.T, dir string, debounceMillis uint64) {
	t.Helper()
	contents := "[config]\n" +
		"debounce = " + strconv.FormatUint(debounceMillis, 10) + "\n" +
		"ignore_symlinks = true\n" +
		"ignore_hidden = false\n" +
		"max_depth = -1\n" +
		"syncr_id = \"11111111-1111-1111-1111-111111111111\"\n" +
		"patterns = [{pattern = \"**/*\"}]\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".syncr"), []byte(contents), 0o644))
}

func TestMatchesPatternsRequiresAllPatternsToMatch(t *testing.T) {
	patterns := []config.Pattern{{Pattern: "**/*.go"}, {Pattern: "!**/*_test.go"}}

	// "!**/*_test.go" is a literal glob, not negation (doublestar has no
	// negation syntax), so it matches neither path. Both paths match only
	// the first pattern and are dropped, since every pattern must match.
	require.False(t, MatchesPatterns("/root", "/root/pkg/file.go", patterns))
	require.False(t, MatchesPatterns("/root", "/root/pkg/file_test.go", patterns))
}

func TestMatchesPatternsEmptyListMatchesEverything(t *testing.T) {
	require.True(t, MatchesPatterns("/root", "/root/anything", nil))
}

func TestMatchesPatternsIsRelativeToRoot(t *testing.T) {
	patterns := []config.Pattern{{Pattern: "sub/*.txt"}}

	require.True(t, MatchesPatterns("/root", "/root/sub/note.txt", patterns))
	require.False(t, MatchesPatterns("/root", "/root/other/note.txt", patterns))
}

func TestIsHiddenDetectsDotSegmentsAnywhereInPath(t *testing.T) {
	require.True(t, IsHidden("/root", "/root/.git"))
	require.True(t, IsHidden("/root", "/root/sub/.hidden/file.txt"))
	require.False(t, IsHidden("/root", "/root/sub/visible.txt"))
	require.False(t, IsHidden("/root", "/root"))
}

func TestClassifyDropsRenameAndChmod(t *testing.T) {
	_, ok := classify(fsnotify.Rename)
	require.False(t, ok)
	_, ok = classify(fsnotify.Chmod)
	require.False(t, ok)
}

func TestClassifyMapsWriteCreateRemove(t *testing.T) {
	kind, ok := classify(fsnotify.Write)
	require.True(t, ok)
	require.Equal(t, KindModify, kind)

	kind, ok = classify(fsnotify.Create)
	require.True(t, ok)
	require.Equal(t, KindCreate, kind)

	kind, ok = classify(fsnotify.Remove)
	require.True(t, ok)
	require.Equal(t, KindRemove, kind)
}

func TestNewWatchesTargetsParentDirectory(t *testing.T) {
	dir := t.TempDir()
	syncCfgPath := filepath.Join(dir, ".syncr")
	require.NoError(t, os.WriteFile(syncCfgPath, []byte(""), 0o644))

	syncCfg, err := config.LoadSyncConfig(dir)
	require.NoError(t, err)

	w, err := New(syncCfgPath, syncCfg, func(ChangeEvent) {})
	require.NoError(t, err)
	defer w.fsw.Close()

	require.Equal(t, dir, w.root)
}

func TestScheduleEventCoalescesWithinDebounceWindow(t *testing.T) {
	dir := t.TempDir()
	writeSyncConfig(t, dir, 50)
	syncCfg, err := config.LoadSyncConfig(dir)
	require.NoError(t, err)
	require.Equal(t, uint64(50), syncCfg.Body().DebounceMillis)

	w := &Watcher{
		root:        dir,
		syncCfg:     syncCfg,
		timers:      make(map[string]*time.Timer),
		latest:      make(map[string]ChangeEvent),
		watchedDirs: make(map[string]bool),
	}

	calls := make(chan ChangeEvent, 10)
	w.callback = func(e ChangeEvent) { calls <- e }

	path := filepath.Join(dir, "f.txt")
	for i := 0; i < 10; i++ {
		w.scheduleEvent(ChangeEvent{Path: path, Kind: KindModify})
	}

	select {
	case ev := <-calls:
		require.Equal(t, path, ev.Path)
	case <-time.After(time.Second):
		t.Fatal("expected exactly one coalesced callback")
	}

	select {
	case ev := <-calls:
		t.Fatalf("expected no second callback, got %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestScheduleEventFiresImmediatelyWithZeroDebounce(t *testing.T) {
	dir := t.TempDir()
	writeSyncConfig(t, dir, 0)
	syncCfg, err := config.LoadSyncConfig(dir)
	require.NoError(t, err)

	w := &Watcher{
		root:        dir,
		syncCfg:     syncCfg,
		timers:      make(map[string]*time.Timer),
		latest:      make(map[string]ChangeEvent),
		watchedDirs: make(map[string]bool),
	}

	calls := make(chan ChangeEvent, 1)
	w.callback = func(e ChangeEvent) { calls <- e }

	path := filepath.Join(dir, "f.txt")
	w.scheduleEvent(ChangeEvent{Path: path, Kind: KindCreate})

	select {
	case ev := <-calls:
		require.Equal(t, path, ev.Path)
	case <-time.After(time.Second):
		t.Fatal("expected an immediate callback with zero debounce")
	}
}
