package chart

import (
	"archive/tar"
	"bytes"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cropalato/chart-registry/internal/chart/charttest"
	customerrors "github.com/cropalato/chart-registry/pkg/errors"
)

func TestSniff(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		expected Format
	}{
		{name: "Gzip", data: charttest.Chart(t, "common", "0.0.1"), expected: FormatGzip},
		{name: "Tar", data: charttest.Tar(t, charttest.ChartFiles("common", "0.0.1")), expected: FormatTar},
		{name: "Plain text", data: []byte("this is not a chart"), expected: FormatUnknown},
		{name: "Empty", data: nil, expected: FormatUnknown},
		{name: "Single magic byte", data: []byte{0x1f}, expected: FormatUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Sniff(tt.data))
		})
	}
}

func TestLoad(t *testing.T) {
	t.Run("Packaged chart", func(t *testing.T) {
		archive, err := Load(charttest.Chart(t, "common", "0.0.1-beta"), Limits{})
		require.NoError(t, err)

		assert.Equal(t, FormatGzip, archive.Format)
		assert.Equal(t, "common", archive.Metadata.Name)
		assert.Equal(t, "0.0.1-beta", archive.Metadata.Version)
		assert.Equal(t, charttest.ChartYAML("common", "0.0.1-beta"), string(archive.ChartYAML))
		assert.Equal(t, "replicaCount: 1\n", string(archive.Values))
		assert.Equal(t, []string{"_helpers.tpl", "deployment.yaml"}, archive.TemplateNames())
	})

	t.Run("Uncompressed tar", func(t *testing.T) {
		archive, err := Load(charttest.Tar(t, charttest.ChartFiles("common", "1.0.0")), Limits{})
		require.NoError(t, err)
		assert.Equal(t, FormatTar, archive.Format)
		assert.Equal(t, "1.0.0", archive.Metadata.Version)
	})

	t.Run("Chart at archive root", func(t *testing.T) {
		archive, err := Load(charttest.TarGz(t, charttest.Files{
			"Chart.yaml":             charttest.ChartYAML("flat", "1.0.0"),
			"templates/tests/t.yaml": "kind: Pod\n",
		}), Limits{})
		require.NoError(t, err)
		assert.Nil(t, archive.Values)
		assert.Equal(t, []string{"tests/t.yaml"}, archive.TemplateNames())
	})

	t.Run("Subchart Chart.yaml does not win", func(t *testing.T) {
		files := charttest.ChartFiles("common", "1.0.0")
		files["common/charts/sub/Chart.yaml"] = charttest.ChartYAML("sub", "9.9.9")
		archive, err := Load(charttest.TarGz(t, files), Limits{})
		require.NoError(t, err)
		assert.Equal(t, "common", archive.Metadata.Name)
	})
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name     string
		data     func(t *testing.T) []byte
		limits   Limits
		expected customerrors.Code
	}{
		{
			name:     "Plain text file",
			data:     func(t *testing.T) []byte { return []byte("hello world, definitely not a tarball") },
			expected: customerrors.CodeInvalidTarball,
		},
		{
			name:     "Truncated gzip",
			data:     func(t *testing.T) []byte { return charttest.Chart(t, "common", "1.0.0")[:20] },
			expected: customerrors.CodeInvalidTarball,
		},
		{
			name: "Missing Chart.yaml",
			data: func(t *testing.T) []byte {
				return charttest.TarGz(t, charttest.Files{"common/values.yaml": "a: 1\n"})
			},
			expected: customerrors.CodeInvalidTarball,
		},
		{
			name: "Entry escaping root",
			data: func(t *testing.T) []byte {
				files := charttest.ChartFiles("common", "1.0.0")
				files["../evil"] = "x"
				return charttest.TarGz(t, files)
			},
			expected: customerrors.CodeInvalidTarball,
		},
		{
			name: "Absolute entry",
			data: func(t *testing.T) []byte {
				files := charttest.ChartFiles("common", "1.0.0")
				files["/etc/evil"] = "x"
				return charttest.TarGz(t, files)
			},
			expected: customerrors.CodeInvalidTarball,
		},
		{
			name:     "Uncompressed size limit",
			data:     func(t *testing.T) []byte { return charttest.Chart(t, "common", "1.0.0") },
			limits:   Limits{MaxUncompressedSize: 16},
			expected: customerrors.CodeInvalidTarball,
		},
		{
			name:     "Entry count limit",
			data:     func(t *testing.T) []byte { return charttest.Chart(t, "common", "1.0.0") },
			limits:   Limits{MaxEntries: 2},
			expected: customerrors.CodeInvalidTarball,
		},
		{
			name: "Malformed Chart.yaml",
			data: func(t *testing.T) []byte {
				return charttest.TarGz(t, charttest.Files{"common/Chart.yaml": "name: [unterminated\n"})
			},
			expected: customerrors.CodeInvalidChartMetadata,
		},
		{
			name: "Unknown Chart.yaml field",
			data: func(t *testing.T) []byte {
				return charttest.TarGz(t, charttest.Files{
					"common/Chart.yaml": charttest.ChartYAML("common", "1.0.0") + "bogus: true\n",
				})
			},
			expected: customerrors.CodeInvalidChartMetadata,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(tt.data(t), tt.limits)
			require.Error(t, err)
			assert.True(t, customerrors.IsValidationError(err))
			assert.Equal(t, tt.expected, customerrors.CodeOf(err))
		})
	}
}

// tarWithEntry builds a chart tar followed by one extra entry of the given type
func tarWithEntry(t *testing.T, files charttest.Files, extra *tar.Header, body []byte) []byte {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, name := range names {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Mode:     0644,
			Size:     int64(len(files[name])),
			Typeflag: tar.TypeReg,
			Format:   tar.FormatUSTAR,
		}))
		_, err := tw.Write([]byte(files[name]))
		require.NoError(t, err)
	}
	require.NoError(t, tw.WriteHeader(extra))
	_, err := tw.Write(body)
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func TestLoadCountsSkippedEntries(t *testing.T) {
	files := charttest.ChartFiles("common", "1.0.0")
	var size int64
	for _, content := range files {
		size += int64(len(content))
	}
	limits := Limits{MaxUncompressedSize: size + 32}

	_, err := Load(charttest.Tar(t, files), limits)
	require.NoError(t, err)

	body := bytes.Repeat([]byte{0}, 64)
	data := tarWithEntry(t, files, &tar.Header{
		Name:     "common/vendor-blob",
		Mode:     0644,
		Size:     int64(len(body)),
		Typeflag: 'Z',
		Format:   tar.FormatUSTAR,
	}, body)

	_, err = Load(data, limits)
	require.Error(t, err)
	assert.Equal(t, customerrors.CodeInvalidTarball, customerrors.CodeOf(err))
	assert.Contains(t, err.Error(), "uncompressed bytes")
}
