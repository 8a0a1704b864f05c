package fetcher

import (
	"io/fs"
	"os"
	"path/filepath"

	"github.com/turbolytics/tabulator/internal/local"
)

// readDirCount counts the files persisted by the fetcher's local repository.
func readDirCount(f *Fetcher) (int, error) {
	repo := f.repository.(*local.Repository)
	n := 0
	err := filepath.WalkDir(repo.BasePath(), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			n++
		}
		return nil
	})
	return n, err
}
