package localstate

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/tyen901/fleet-sync/internal/pathutil"
)

// listModDirs returns the names of every immediate child of root whose name
// starts with "@" — the mod-directory convention (§2, §4.5).
func listModDirs(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("localstate: reading root %s: %w", root, err)
	}

	var mods []string

	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), "@") {
			mods = append(mods, e.Name())
		}
	}

	return mods, nil
}

// statEntry is one file found under a mod directory, with stat info already
// resolved so callers don't restat it.
type statEntry struct {
	RelPath string // normalized, forward-slash, relative to the mod directory
	AbsPath string
	Size    int64
	Mtime   int64
}

// listModFiles walks modDir (the absolute path of one mod directory) and
// returns every regular file beneath it.
func listModFiles(modDir string) ([]statEntry, error) {
	var out []statEntry

	err := filepath.WalkDir(modDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			return nil
		}

		if !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(modDir, p)
		if err != nil {
			return err
		}

		out = append(out, statEntry{
			RelPath: pathutil.Normalize(rel),
			AbsPath: p,
			Size:    info.Size(),
			Mtime:   mtimeSeconds(info),
		})

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("localstate: walking %s: %w", modDir, err)
	}

	return out, nil
}

// mtimeSeconds converts a FileInfo's modification time to seconds since the
// Unix epoch, per the integer granularity scan-cache entries store.
func mtimeSeconds(info fs.FileInfo) int64 {
	return info.ModTime().Unix()
}

// statOne stats a single file at root/modName/relPath, translating "not
// found" into (false, nil) rather than an error.
func statOne(root, modName, relPath string) (statEntry, bool, error) {
	abs := filepath.Join(root, modName, filepath.FromSlash(relPath))

	info, err := os.Stat(abs)
	if os.IsNotExist(err) {
		return statEntry{}, false, nil
	}

	if err != nil {
		return statEntry{}, false, fmt.Errorf("localstate: stat %s: %w", abs, err)
	}

	if info.IsDir() {
		return statEntry{}, false, nil
	}

	return statEntry{
		RelPath: relPath,
		AbsPath: abs,
		Size:    info.Size(),
		Mtime:   mtimeSeconds(info),
	}, true, nil
}
