package fetcher

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
)

// ExtractZIP extracts all regular files from a ZIP archive into destDir,
// flattening any directory structure. Weather archives nest station CSVs
// inside a year directory; only the file names matter downstream.
// Returns the list of extracted file paths.
func ExtractZIP(zipPath, destDir string) ([]string, error) {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, eris.Wrap(err, "zip: open archive")
	}
	defer r.Close() //nolint:errcheck

	var extracted []string
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}

		name := filepath.Base(f.Name)
		// Flattened base names cannot traverse, but reject anything odd.
		if name == "." || name == ".." || strings.ContainsRune(name, os.PathSeparator) {
			return extracted, eris.Errorf("zip: illegal entry name %q", f.Name)
		}
		destPath := filepath.Join(destDir, name)

		if err := extractEntry(f, destPath); err != nil {
			return extracted, err
		}
		extracted = append(extracted, destPath)
	}

	return extracted, nil
}

func extractEntry(f *zip.File, destPath string) error {
	rc, err := f.Open()
	if err != nil {
		return eris.Wrapf(err, "zip: open entry %s", f.Name)
	}
	defer rc.Close() //nolint:errcheck

	out, err := os.Create(destPath)
	if err != nil {
		return eris.Wrap(err, "zip: create file")
	}
	defer out.Close() //nolint:errcheck

	if _, err := io.Copy(out, rc); err != nil {
		return eris.Wrapf(err, "zip: write %s", destPath)
	}
	return nil
}
