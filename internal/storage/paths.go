package storage

import (
	"fmt"
	"path"
)

// Layout of registry objects:
//
//	tarballs/{owner}/{repository}/{name}-{version}.tar.gz
//	tarballs/{owner}/{repository}/{name}-{version}.tar.gz.prov
//	metadata/{owner}/index.yaml
//	metadata/{owner}/{repository}/{version}/Chart.yaml
//	metadata/{owner}/{repository}/{version}/values.yaml
//	metadata/{owner}/{repository}/{version}/templates/{name}

// TarballPath is the location of a packaged chart
func TarballPath(owner, repositoryID int64, name, version string) string {
	return fmt.Sprintf("%s/%d/%d/%s-%s.tar.gz", TarballsDir, owner, repositoryID, name, version)
}

// RepositoryTarballsPrefix holds every tarball of one repository, with a trailing slash
func RepositoryTarballsPrefix(owner, repositoryID int64) string {
	return fmt.Sprintf("%s/%d/%d/", TarballsDir, owner, repositoryID)
}

// ProvenancePath is the location of a chart's provenance file
func ProvenancePath(owner, repositoryID int64, name, version string) string {
	return TarballPath(owner, repositoryID, name, version) + ".prov"
}

// IndexPath is the location of an owner's repository index
func IndexPath(owner int64) string {
	return fmt.Sprintf("%s/%d/index.yaml", MetadataDir, owner)
}

// ReleaseMetadataPrefix holds every extracted file of one release, with a trailing slash
func ReleaseMetadataPrefix(owner, repositoryID int64, version string) string {
	return fmt.Sprintf("%s/%d/%d/%s/", MetadataDir, owner, repositoryID, version)
}

// ChartYAMLPath is the location of a release's Chart.yaml
func ChartYAMLPath(owner, repositoryID int64, version string) string {
	return ReleaseMetadataPrefix(owner, repositoryID, version) + "Chart.yaml"
}

// ValuesYAMLPath is the location of a release's values.yaml
func ValuesYAMLPath(owner, repositoryID int64, version string) string {
	return ReleaseMetadataPrefix(owner, repositoryID, version) + "values.yaml"
}

// TemplatesPrefix holds a release's templates, with a trailing slash
func TemplatesPrefix(owner, repositoryID int64, version string) string {
	return ReleaseMetadataPrefix(owner, repositoryID, version) + "templates/"
}

// TemplatePath is the location of one template. The name is cleaned; callers
// still pass the result through a backend, which rejects escapes.
func TemplatePath(owner, repositoryID int64, version, name string) string {
	return TemplatesPrefix(owner, repositoryID, version) + path.Clean(name)
}
