package storage

import (
	"context"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	customerrors "github.com/cropalato/chart-registry/pkg/errors"
)

const tempFilePrefix = ".upload-"

// Filesystem stores objects as files below a root directory
type Filesystem struct {
	root   string
	logger *zap.Logger
}

// NewFilesystem creates a filesystem backend rooted at directory
func NewFilesystem(directory string, logger *zap.Logger) (*Filesystem, error) {
	if directory == "" {
		return nil, customerrors.NewConfigError("storage.filesystem.directory", directory, errors.New("directory is required"))
	}
	root, err := filepath.Abs(directory)
	if err != nil {
		return nil, customerrors.NewConfigError("storage.filesystem.directory", directory, err)
	}
	return &Filesystem{
		root:   root,
		logger: logger.With(zap.String("backend", BackendFilesystem)),
	}, nil
}

// Name returns the backend name
func (f *Filesystem) Name() string { return BackendFilesystem }

// Root returns the absolute root directory
func (f *Filesystem) Root() string { return f.root }

// Init creates the required top-level directories, replacing files that occupy their paths
func (f *Filesystem) Init(ctx context.Context) error {
	if err := os.MkdirAll(f.root, 0755); err != nil {
		return customerrors.WrapStorageError(err, "init", BackendFilesystem, f.root)
	}

	for _, dir := range []string{TarballsDir, MetadataDir} {
		full := filepath.Join(f.root, dir)
		info, err := os.Lstat(full)
		switch {
		case os.IsNotExist(err):
			f.logger.Info("creating missing directory", zap.String("path", full))
		case err != nil:
			return customerrors.WrapStorageError(err, "init", BackendFilesystem, dir)
		case info.IsDir():
			continue
		default:
			f.logger.Warn("required directory is occupied by a file, replacing it",
				zap.String("path", full))
			if err := os.Remove(full); err != nil {
				return customerrors.WrapStorageError(err, "init", BackendFilesystem, dir)
			}
		}

		if err := os.MkdirAll(full, 0755); err != nil {
			return customerrors.WrapStorageError(err, "init", BackendFilesystem, dir)
		}
	}
	return nil
}

// Open reads the file at p
func (f *Filesystem) Open(ctx context.Context, p string) ([]byte, bool, error) {
	full, _, err := f.resolve(p)
	if err != nil {
		return nil, false, err
	}

	info, err := os.Stat(full)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, customerrors.WrapStorageError(err, "open", BackendFilesystem, p)
	}
	if info.IsDir() {
		return nil, false, nil
	}

	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, customerrors.WrapStorageError(err, "open", BackendFilesystem, p)
	}
	return data, true, nil
}

// Upload writes data to a temporary file and renames it over p
func (f *Filesystem) Upload(ctx context.Context, p string, data []byte, contentType string) error {
	full, rel, err := f.resolve(p)
	if err != nil {
		return err
	}
	if rel == "" || strings.HasSuffix(rel, "/") {
		return invalidPath(p)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return customerrors.WrapStorageError(err, "upload", BackendFilesystem, p)
	}

	tmp, err := os.CreateTemp(dir, tempFilePrefix+"*")
	if err != nil {
		return customerrors.WrapStorageError(err, "upload", BackendFilesystem, p)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return customerrors.WrapStorageError(err, "upload", BackendFilesystem, p)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return customerrors.WrapStorageError(err, "upload", BackendFilesystem, p)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return customerrors.WrapStorageError(err, "upload", BackendFilesystem, p)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return customerrors.WrapStorageError(err, "upload", BackendFilesystem, p)
	}
	if err := os.Rename(tmpName, full); err != nil {
		os.Remove(tmpName)
		return customerrors.WrapStorageError(err, "upload", BackendFilesystem, p)
	}

	f.logger.Debug("object written",
		zap.String("path", rel),
		zap.Int("size", len(data)))
	return nil
}

// Delete removes the file at p
func (f *Filesystem) Delete(ctx context.Context, p string) (bool, error) {
	full, rel, err := f.resolve(p)
	if err != nil {
		return false, err
	}
	if rel == "" {
		return false, invalidPath(p)
	}

	info, err := os.Stat(full)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, customerrors.WrapStorageError(err, "delete", BackendFilesystem, p)
	}
	if info.IsDir() {
		return false, nil
	}

	if err := os.Remove(full); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, customerrors.WrapStorageError(err, "delete", BackendFilesystem, p)
	}
	return true, nil
}

// Exists reports whether a file or directory exists at p
func (f *Filesystem) Exists(ctx context.Context, p string) (bool, error) {
	full, _, err := f.resolve(p)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(full)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, customerrors.WrapStorageError(err, "exists", BackendFilesystem, p)
	}
	return true, nil
}

// List walks the directory holding prefix and returns every file whose path starts with prefix
func (f *Filesystem) List(ctx context.Context, prefix string) ([]Object, error) {
	rel, err := Normalize(prefix)
	if err != nil {
		return nil, err
	}

	// Walk from the deepest directory the prefix names
	base := rel
	if !strings.HasSuffix(base, "/") {
		base = path.Dir(base)
		if base == "." {
			base = ""
		}
	}
	walkRoot, err := securejoin.SecureJoin(f.root, filepath.FromSlash(base))
	if err != nil {
		return nil, customerrors.WrapStorageError(err, "list", BackendFilesystem, prefix)
	}

	var objects []Object
	err = filepath.WalkDir(walkRoot, func(full string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if os.IsNotExist(walkErr) {
				return nil
			}
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), tempFilePrefix) {
			return nil
		}

		relPath, err := filepath.Rel(f.root, full)
		if err != nil {
			return err
		}
		relPath = filepath.ToSlash(relPath)
		if !strings.HasPrefix(relPath, rel) {
			return nil
		}

		obj, err := f.describe(full, relPath)
		if err != nil {
			return err
		}
		objects = append(objects, obj)
		return nil
	})
	if err != nil {
		return nil, customerrors.WrapStorageError(err, "list", BackendFilesystem, prefix)
	}

	sort.Slice(objects, func(i, j int) bool { return objects[i].Path < objects[j].Path })
	return objects, nil
}

// resolve maps p to an absolute path confined to the root
func (f *Filesystem) resolve(p string) (string, string, error) {
	rel, err := Normalize(p)
	if err != nil {
		return "", "", err
	}
	full, err := securejoin.SecureJoin(f.root, filepath.FromSlash(strings.TrimSuffix(rel, "/")))
	if err != nil {
		return "", "", customerrors.WrapStorageError(err, "resolve", BackendFilesystem, p)
	}
	return full, rel, nil
}

func (f *Filesystem) describe(full, rel string) (Object, error) {
	info, err := os.Stat(full)
	if err != nil {
		return Object{}, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return Object{}, err
	}

	sum := Checksum(data)
	return Object{
		Path:         rel,
		ContentType:  DetectContentType(rel, data),
		Size:         info.Size(),
		Checksum:     sum,
		CreatedAt:    info.ModTime().UTC(),
		LastModified: info.ModTime().UTC(),
		ETag:         sum,
	}, nil
}

// DetectContentType guesses a content type from the object name, falling back to sniffing data
func DetectContentType(name string, data []byte) string {
	switch {
	case strings.HasSuffix(name, ".tar.gz"), strings.HasSuffix(name, ".tgz"):
		return ContentTypeGzip
	case strings.HasSuffix(name, ".prov"):
		return ContentTypeProvenance
	case strings.HasSuffix(name, ".yaml"), strings.HasSuffix(name, ".yml"):
		return ContentTypeYAML
	}
	if ct := mime.TypeByExtension(path.Ext(name)); ct != "" {
		return ct
	}
	return http.DetectContentType(data)
}
