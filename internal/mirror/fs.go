package mirror

import (
	"os"
	"sort"
)

// readDirFiles lists the regular files (not subdirectories) directly under
// dir, sorted for deterministic sync ordering.
func readDirFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// openSized opens path and returns its file handle alongside its size, so
// callers can set an upload's Content-Length without a second stat.
func openSized(path string) (*os.File, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, err
	}
	return f, info.Size(), nil
}
