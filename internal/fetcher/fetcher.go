// Package fetcher retrieves uploaded transaction files from local disk, HTTP or
// FTP and decodes them into header + string-cell tables.
package fetcher

import (
	"context"
	"io"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/rotisserie/eris"
)

// Fetcher defines the interface for downloading remote data.
type Fetcher interface {
	// Download fetches the URL and returns the response body.
	Download(ctx context.Context, url string) (io.ReadCloser, error)
}

// Format identifies the tabular encoding of a source.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// Source resolves CLI/API inputs to readers.
type Source struct {
	HTTP Fetcher
	FTP  Fetcher
}

// NewSource creates a Source with default HTTP and FTP fetchers.
func NewSource(httpOpts HTTPOptions, ftpOpts FTPOptions) *Source {
	return &Source{
		HTTP: NewHTTPFetcher(httpOpts),
		FTP:  NewFTPFetcher(ftpOpts),
	}
}

// Open returns a reader for a local path, http(s):// URL or ftp:// URL,
// together with the base file name used for format detection.
func (s *Source) Open(ctx context.Context, location string) (io.ReadCloser, string, error) {
	u, err := url.Parse(location)
	if err == nil {
		switch u.Scheme {
		case "http", "https":
			if s.HTTP == nil {
				return nil, "", eris.New("fetcher: no http fetcher configured")
			}
			rc, err := s.HTTP.Download(ctx, location)
			return rc, path.Base(u.Path), err
		case "ftp":
			if s.FTP == nil {
				return nil, "", eris.New("fetcher: no ftp fetcher configured")
			}
			rc, err := s.FTP.Download(ctx, location)
			return rc, path.Base(u.Path), err
		}
	}

	f, err := os.Open(location)
	if err != nil {
		return nil, "", eris.Wrapf(err, "fetcher: open %s", location)
	}
	return f, path.Base(location), nil
}

// DetectFormat picks the table format from a file name; explicit overrides
// win. Unknown extensions are rejected.
func DetectFormat(name string, override string) (Format, error) {
	if override != "" {
		switch Format(strings.ToLower(override)) {
		case FormatCSV:
			return FormatCSV, nil
		case FormatXLSX:
			return FormatXLSX, nil
		}
		return "", eris.Errorf("fetcher: unsupported format %q", override)
	}

	switch strings.ToLower(path.Ext(name)) {
	case ".csv", ".txt":
		return FormatCSV, nil
	case ".xlsx":
		return FormatXLSX, nil
	}
	return "", eris.Errorf("fetcher: unsupported file type %q (expected .csv or .xlsx)", name)
}
