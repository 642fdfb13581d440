package index

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/pkg/errors"

	"github.com/cropalato/chart-registry/internal/storage"
	customerrors "github.com/cropalato/chart-registry/pkg/errors"
)

// URLs builds the download URLs written into index entries
type URLs struct {
	base string
	cdn  string
}

// NewURLs validates the configured base and CDN URLs
func NewURLs(base, cdn string) (URLs, error) {
	for param, raw := range map[string]string{"server.base_url": base, "server.cdn_url": cdn} {
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil {
			return URLs{}, customerrors.NewConfigError(param, raw, err)
		}
		if u.Scheme == "" || u.Host == "" {
			return URLs{}, customerrors.NewConfigError(param, raw, errors.New("must be an absolute URL"))
		}
	}
	return URLs{
		base: strings.TrimSuffix(base, "/"),
		cdn:  strings.TrimSuffix(cdn, "/"),
	}, nil
}

// DownloadPath is the API route serving a release tarball, relative to the server root
func DownloadPath(repositoryID int64, version string) string {
	return fmt.Sprintf("repositories/%d/releases/%s.tar.gz", repositoryID, version)
}

// For returns the URLs of one release, CDN first when configured. Without a
// base URL the API URL is relative to the index location /{owner}/index.yaml.
func (u URLs) For(owner, repositoryID int64, name, version string) []string {
	var urls []string
	if u.cdn != "" {
		urls = append(urls, u.cdn+"/"+storage.TarballPath(owner, repositoryID, name, version))
	}
	if u.base != "" {
		urls = append(urls, u.base+"/"+DownloadPath(repositoryID, version))
	} else {
		urls = append(urls, "../"+DownloadPath(repositoryID, version))
	}
	return urls
}
