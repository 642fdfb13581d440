package chart

import (
	"fmt"

	helmchart "helm.sh/helm/v3/pkg/chart"
	"sigs.k8s.io/yaml"

	customerrors "github.com/cropalato/chart-registry/pkg/errors"
)

// DecodeMetadata strictly decodes Chart.yaml: unknown fields and duplicate
// keys are rejected, then Helm's own validation rules apply.
func DecodeMetadata(data []byte) (*helmchart.Metadata, error) {
	if len(data) == 0 {
		return nil, invalidMetadata("Chart.yaml is empty")
	}

	md := &helmchart.Metadata{}
	if err := yaml.UnmarshalStrict(data, md); err != nil {
		return nil, invalidMetadata("failed to decode Chart.yaml: %v", err)
	}
	if err := md.Validate(); err != nil {
		return nil, invalidMetadata("invalid Chart.yaml: %v", err)
	}
	return md, nil
}

// CheckIdentity ensures the chart is the one the upload targets
func CheckIdentity(md *helmchart.Metadata, repositoryName, version string) error {
	if md.Name != repositoryName {
		return customerrors.NewValidationError(customerrors.CodeInvalidChartMetadata, "name", md.Name,
			fmt.Sprintf("chart name must match repository name %q", repositoryName))
	}
	if md.Version != version {
		return customerrors.NewValidationError(customerrors.CodeInvalidChartMetadata, "version", md.Version,
			fmt.Sprintf("chart version must match release version %q", version))
	}
	return nil
}

func invalidMetadata(format string, args ...interface{}) error {
	return customerrors.NewValidationError(customerrors.CodeInvalidChartMetadata, "Chart.yaml", nil, fmt.Sprintf(format, args...))
}
