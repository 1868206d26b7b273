package ingest

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/yarawesome/yarawesome/pkg/errs"
)

// IsRuleFile reports whether path carries a rule file extension.
func IsRuleFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yar", ".yara":
		return true
	}
	return false
}

// UploadRef is what an upload path says about the rules inside it.
type UploadRef struct {
	ImportJobID uint
	Collection  string
	Name        string
}

// ParseUploadPath recovers the import job and collection of a staged rule
// file named "<import_id>_<name>". The collection is the parent directory,
// or the file stem when the file sits directly in the job directory.
func ParseUploadPath(path string) (UploadRef, error) {
	base := filepath.Base(path)
	prefix, name, ok := strings.Cut(base, "_")
	if !ok || name == "" {
		return UploadRef{}, fmt.Errorf("upload path %s: missing import id prefix: %w", path, errs.ErrInvalidRequest)
	}
	id, err := strconv.ParseUint(prefix, 10, 64)
	if err != nil || id == 0 {
		return UploadRef{}, fmt.Errorf("upload path %s: bad import id %q: %w", path, prefix, errs.ErrInvalidRequest)
	}

	collection := filepath.Base(filepath.Dir(path))
	if collection == prefix || collection == "." || collection == string(filepath.Separator) {
		collection = strings.TrimSuffix(name, filepath.Ext(name))
	}
	return UploadRef{ImportJobID: uint(id), Collection: collection, Name: name}, nil
}

// StagedPath returns where a rule file for importJobID and collection lives
// under uploadRoot.
func StagedPath(uploadRoot string, importJobID uint, collection, name string) string {
	id := strconv.FormatUint(uint64(importJobID), 10)
	return filepath.Join(uploadRoot, id, collection, id+"_"+name)
}

// StageUpload copies the rule files under src (a file or a directory) into
// uploadRoot so that each staged path names its import job and collection.
// Files in subdirectories keep their directory as collection; files at the
// top of src go to a collection named after src. Non-rule files are ignored.
func StageUpload(src, uploadRoot string, importJobID uint) ([]string, error) {
	info, err := os.Stat(src)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errs.NotFoundf("upload %s", src)
		}
		return nil, fmt.Errorf("stat upload: %w", err)
	}

	if !info.IsDir() {
		if !IsRuleFile(src) {
			return nil, fmt.Errorf("upload %s: not a rule file: %w", src, errs.ErrInvalidRequest)
		}
		name := filepath.Base(src)
		dst := StagedPath(uploadRoot, importJobID, strings.TrimSuffix(name, filepath.Ext(name)), name)
		if err := copyFile(src, dst); err != nil {
			return nil, err
		}
		return []string{dst}, nil
	}

	defaultCollection := filepath.Base(filepath.Clean(src))
	var staged []string
	err = filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if !IsRuleFile(path) {
			return nil
		}
		rel, err := filepath.Rel(src, filepath.Dir(path))
		if err != nil {
			return err
		}
		collection := defaultCollection
		if rel != "." {
			collection = filepath.ToSlash(rel)
			collection = strings.ReplaceAll(collection, "/", "_")
		}
		dst := StagedPath(uploadRoot, importJobID, collection, d.Name())
		if err := copyFile(path, dst); err != nil {
			return err
		}
		staged = append(staged, dst)
		return nil
	})
	if err != nil {
		return staged, fmt.Errorf("stage upload: %w", err)
	}
	return staged, nil
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create upload dir: %w", err)
	}
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".staging-*")
	if err != nil {
		return fmt.Errorf("create staging file: %w", err)
	}
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("copy %s: %w", src, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close staging file: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("stage %s: %w", dst, err)
	}
	return nil
}
