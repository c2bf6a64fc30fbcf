// Package batch validates and walks the source-directory layout a run
// consumes: a root containing numeric batch directories, each holding the
// configured image subdirectories.
package batch

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// imageExts are the extensions counted as images.
var imageExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true,
	".webp": true, ".bmp": true, ".tiff": true,
}

var numericName = regexp.MustCompile(`^\d+$`)

// LayoutError reports a violated source-layout rule.
type LayoutError struct{ Reason string }

func (e *LayoutError) Error() string { return "source layout: " + e.Reason }

// IsNumericName reports whether name is a pure-digit batch directory name
// such as "01" or "002".
func IsNumericName(name string) bool { return numericName.MatchString(name) }

// ListBatches returns the numeric batch directories under root, sorted.
func ListBatches(root string) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, &LayoutError{Reason: fmt.Sprintf("source root missing: %v", err)}
	}
	if !info.IsDir() {
		return nil, &LayoutError{Reason: "source root is not a directory: " + root}
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("read source root: %w", err)
	}
	var batches []string
	for _, e := range entries {
		if e.IsDir() && IsNumericName(e.Name()) {
			batches = append(batches, e.Name())
		}
	}
	sort.Strings(batches)
	return batches, nil
}

// ListImages returns all image files in dir, sorted. With recursive set it
// descends into subdirectories. A missing directory yields an empty list.
func ListImages(dir string, recursive bool) ([]string, error) {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, nil
	}
	var images []string
	if recursive {
		err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && imageExts[strings.ToLower(filepath.Ext(path))] {
				images = append(images, path)
			}
			return nil
		})
	} else {
		var entries []fs.DirEntry
		entries, err = os.ReadDir(dir)
		for _, e := range entries {
			if !e.IsDir() && imageExts[strings.ToLower(filepath.Ext(e.Name()))] {
				images = append(images, filepath.Join(dir, e.Name()))
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("list images in %s: %w", dir, err)
	}
	sort.Strings(images)
	return images, nil
}

// CountImages counts image files in dir, recursively.
func CountImages(dir string) int {
	images, _ := ListImages(dir, true)
	return len(images)
}

// EnsureSourceLayout verifies root holds at least one numeric batch and that
// every batch contains each required subdirectory with at least one image.
// It returns the validated batch names.
func EnsureSourceLayout(root string, subdirs []string) ([]string, error) {
	batches, err := ListBatches(root)
	if err != nil {
		return nil, err
	}
	if len(batches) == 0 {
		return nil, &LayoutError{Reason: "no numeric batch directories under " + root}
	}
	for _, b := range batches {
		for _, sub := range subdirs {
			dir := filepath.Join(root, b, sub)
			if CountImages(dir) == 0 {
				return nil, &LayoutError{Reason: fmt.Sprintf("batch %s: no images in %s", b, dir)}
			}
		}
	}
	return batches, nil
}

// Chunk splits inputs into chunks of at most chunkSize, preserving order.
// A non-positive chunkSize yields a single chunk.
func Chunk(inputs []string, chunkSize int) [][]string {
	if chunkSize <= 0 {
		return [][]string{inputs}
	}
	var chunks [][]string
	for i := 0; i < len(inputs); i += chunkSize {
		end := i + chunkSize
		if end > len(inputs) {
			end = len(inputs)
		}
		chunks = append(chunks, inputs[i:end])
	}
	return chunks
}
