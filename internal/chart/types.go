package chart

import (
	helmchart "helm.sh/helm/v3/pkg/chart"
)

// Format is the container format detected from the leading bytes of an upload
type Format int

const (
	// FormatUnknown is anything that is neither gzip nor tar
	FormatUnknown Format = iota
	// FormatGzip is a gzip stream, expected to wrap a tar archive
	FormatGzip
	// FormatTar is an uncompressed POSIX tar archive
	FormatTar
)

func (f Format) String() string {
	switch f {
	case FormatGzip:
		return "gzip"
	case FormatTar:
		return "tar"
	default:
		return "unknown"
	}
}

// Well known files inside a chart
const (
	ChartFile    = "Chart.yaml"
	ValuesFile   = "values.yaml"
	TemplatesDir = "templates"
)

// Archive is the content of an uploaded chart relevant to the registry
type Archive struct {
	// Metadata is the strictly decoded Chart.yaml
	Metadata *helmchart.Metadata

	// ChartYAML holds the Chart.yaml bytes exactly as uploaded
	ChartYAML []byte

	// Values holds values.yaml, nil when the chart has none
	Values []byte

	// Templates maps a name relative to templates/ to its content
	Templates map[string][]byte

	// Format is the container format of the upload
	Format Format
}

// Limits bounds the work done while extracting an upload
type Limits struct {
	// MaxUncompressedSize caps the sum of all regular file sizes
	MaxUncompressedSize int64

	// MaxEntries caps the number of tar headers read
	MaxEntries int
}

// DefaultLimits are applied when Load receives a zero Limits
var DefaultLimits = Limits{
	MaxUncompressedSize: 100 << 20,
	MaxEntries:          10000,
}
