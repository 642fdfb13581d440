package chart

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	customerrors "github.com/cropalato/chart-registry/pkg/errors"
)

const tarMagicOffset = 257

var (
	gzipMagic = []byte{0x1f, 0x8b}
	tarMagic  = []byte("ustar")
)

// Sniff detects the container format from the leading bytes of data
func Sniff(data []byte) Format {
	if bytes.HasPrefix(data, gzipMagic) {
		return FormatGzip
	}
	if len(data) >= tarMagicOffset+len(tarMagic) &&
		bytes.Equal(data[tarMagicOffset:tarMagicOffset+len(tarMagic)], tarMagic) {
		return FormatTar
	}
	return FormatUnknown
}

// Load extracts Chart.yaml, values.yaml and templates from a gzip or tar
// upload. The chart root is the directory holding the shallowest Chart.yaml,
// so both "name/Chart.yaml" and a bare "Chart.yaml" layout are accepted.
func Load(data []byte, limits Limits) (*Archive, error) {
	if limits.MaxUncompressedSize <= 0 {
		limits.MaxUncompressedSize = DefaultLimits.MaxUncompressedSize
	}
	if limits.MaxEntries <= 0 {
		limits.MaxEntries = DefaultLimits.MaxEntries
	}

	format := Sniff(data)
	var r io.Reader
	switch format {
	case FormatGzip:
		gz, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, invalidTarball("corrupt gzip stream: %v", err)
		}
		defer gz.Close()
		r = gz
	case FormatTar:
		r = bytes.NewReader(data)
	default:
		return nil, invalidTarball("content is neither a gzip nor a tar archive")
	}

	files, err := readFiles(tar.NewReader(r), limits)
	if err != nil {
		return nil, err
	}

	root, ok := chartRoot(files)
	if !ok {
		return nil, invalidTarball("archive does not contain %s", ChartFile)
	}

	archive := &Archive{
		ChartYAML: files[path.Join(root, ChartFile)],
		Values:    files[path.Join(root, ValuesFile)],
		Templates: make(map[string][]byte),
		Format:    format,
	}

	templatesPrefix := path.Join(root, TemplatesDir) + "/"
	for name, content := range files {
		if strings.HasPrefix(name, templatesPrefix) {
			archive.Templates[strings.TrimPrefix(name, templatesPrefix)] = content
		}
	}

	md, err := DecodeMetadata(archive.ChartYAML)
	if err != nil {
		return nil, err
	}
	archive.Metadata = md

	return archive, nil
}

// TemplateNames returns the template names in lexical order
func (a *Archive) TemplateNames() []string {
	names := make([]string, 0, len(a.Templates))
	for name := range a.Templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func readFiles(tr *tar.Reader, limits Limits) (map[string][]byte, error) {
	files := make(map[string][]byte)
	var total int64

	for entries := 0; ; entries++ {
		if entries >= limits.MaxEntries {
			return nil, invalidTarball("archive has more than %d entries", limits.MaxEntries)
		}

		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, invalidTarball("corrupt tar archive: %v", err)
		}

		// Bodies of skipped entries are still decompressed by Next
		total += hdr.Size
		if hdr.Size < 0 || total > limits.MaxUncompressedSize {
			return nil, invalidTarball("archive exceeds %d uncompressed bytes", limits.MaxUncompressedSize)
		}

		// Directories and links carry nothing the registry stores
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		name, err := entryName(hdr.Name)
		if err != nil {
			return nil, err
		}

		content, err := io.ReadAll(io.LimitReader(tr, hdr.Size))
		if err != nil {
			return nil, invalidTarball("corrupt tar entry %s: %v", name, err)
		}
		files[name] = content
	}

	return files, nil
}

// entryName cleans a tar entry name and rejects names escaping the archive
func entryName(raw string) (string, error) {
	name := strings.ReplaceAll(raw, "\\", "/")
	if strings.HasPrefix(name, "/") {
		return "", invalidTarball("archive entry %q is absolute", raw)
	}
	name = path.Clean(name)
	if name == ".." || strings.HasPrefix(name, "../") {
		return "", invalidTarball("archive entry %q escapes the chart root", raw)
	}
	return name, nil
}

func chartRoot(files map[string][]byte) (string, bool) {
	root, depth := "", -1
	for name := range files {
		if path.Base(name) != ChartFile {
			continue
		}
		dir := path.Dir(name)
		d := 0
		if dir != "." {
			d = strings.Count(dir, "/") + 1
		}
		if depth == -1 || d < depth || (d == depth && dir < root) {
			root, depth = dir, d
		}
	}
	return root, depth >= 0
}

func invalidTarball(format string, args ...interface{}) error {
	return customerrors.NewValidationError(customerrors.CodeInvalidTarball, "tarball", nil, fmt.Sprintf(format, args...))
}
