// Package charttest builds in-memory chart archives for tests.
package charttest

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

// Files maps archive entry names to their content
type Files map[string]string

// Tar builds an uncompressed tar archive holding files in name order
func Tar(t testing.TB, files Files) []byte {
	t.Helper()

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, name := range names {
		content := files[name]
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Mode:     0644,
			Size:     int64(len(content)),
			Typeflag: tar.TypeReg,
			Format:   tar.FormatUSTAR,
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

// TarGz builds a gzip compressed tar archive holding files
func TarGz(t testing.TB, files Files) []byte {
	t.Helper()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write(Tar(t, files))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

// ChartYAML renders a minimal valid Chart.yaml
func ChartYAML(name, version string) string {
	return fmt.Sprintf("apiVersion: v2\nname: %s\nversion: %s\ndescription: A Helm chart for %s\ntype: application\n", name, version, name)
}

// ChartFiles returns the files of a small chart laid out below a directory named after the chart
func ChartFiles(name, version string) Files {
	return Files{
		name + "/Chart.yaml":                ChartYAML(name, version),
		name + "/values.yaml":               "replicaCount: 1\n",
		name + "/templates/deployment.yaml": "kind: Deployment\n",
		name + "/templates/_helpers.tpl":    "{{- define \"name\" -}}{{ .Chart.Name }}{{- end -}}\n",
	}
}

// Chart builds a packaged chart as produced by `helm package`
func Chart(t testing.TB, name, version string) []byte {
	t.Helper()
	return TarGz(t, ChartFiles(name, version))
}
