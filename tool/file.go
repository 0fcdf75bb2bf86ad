package tool

import (
	"fmt"
	"io"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/moyoez/batchsend/types"
)

// extraTypes covers extensions the system mime tables usually lack.
var extraTypes = map[string]string{
	".dxf":     "image/vnd.dxf",
	".dwg":     "image/vnd.dwg",
	".igs":     "model/iges",
	".iges":    "model/iges",
	".stp":     "model/step",
	".step":    "model/step",
	".csv":     "text/csv",
	".tsv":     "text/tab-separated-values",
	".geojson": "application/geo+json",
	".kml":     "application/vnd.google-earth.kml+xml",
	".kmz":     "application/vnd.google-earth.kmz",
	".gpx":     "application/gpx+xml",
	".gml":     "application/gml+xml",
	".shp":     "application/x-shapefile",
	".xlsx":    "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".docx":    "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".ods":     "application/vnd.oasis.opendocument.spreadsheet",
	".odt":     "application/vnd.oasis.opendocument.text",
}

// DetectMediaType guesses the media type of a local file: known extensions
// first, then the system tables, then content sniffing.
func DetectMediaType(filePath string) string {
	ext := strings.ToLower(filepath.Ext(filePath))
	if t, ok := extraTypes[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	m, err := mimetype.DetectFile(filePath)
	if err != nil {
		DefaultLogger.Debugf("Failed to sniff media type of %s: %v", filePath, err)
		return "application/octet-stream" // Default MIME type
	}
	return m.String()
}

// FileFromPath describes a local file for submission. The returned
// descriptor opens the file lazily, once per transfer attempt.
func FileFromPath(filePath string) (types.FileDescriptor, error) {
	info, err := os.Stat(filePath)
	if err != nil {
		return types.FileDescriptor{}, fmt.Errorf("failed to stat file: %v", err)
	}
	if info.IsDir() {
		return types.FileDescriptor{}, fmt.Errorf("path is a directory, not a file")
	}
	return types.FileDescriptor{
		Name:      filepath.Base(filePath),
		MediaType: DetectMediaType(filePath),
		Size:      info.Size(),
		Path:      filePath,
		Open: func() (io.ReadCloser, error) {
			return os.Open(filePath)
		},
	}, nil
}

// FileFromInput resolves one entry of the submit API. fileUrl must be a
// file:// url; fields given explicitly win over what is read from disk.
func FileFromInput(in types.FileInput) (types.FileDescriptor, error) {
	if in.FileUrl == "" {
		return types.FileDescriptor{}, fmt.Errorf("fileUrl is required")
	}
	parsedUrl, err := url.Parse(in.FileUrl)
	if err != nil {
		return types.FileDescriptor{}, fmt.Errorf("invalid fileUrl: %v", err)
	}
	if parsedUrl.Scheme != "file" {
		return types.FileDescriptor{}, fmt.Errorf("only file:// protocol is supported for fileUrl")
	}

	DefaultLogger.Debugf("Reading file info from: %s", parsedUrl.Path)
	fd, err := FileFromPath(parsedUrl.Path)
	if err != nil {
		return types.FileDescriptor{}, err
	}
	if in.FileName != "" {
		fd.Name = in.FileName
	}
	if in.FileType != "" {
		fd.MediaType = in.FileType
	}
	if in.Size > 0 && in.Size != fd.Size {
		DefaultLogger.Warnf("Declared size %d of %s differs from %d on disk, using disk size", in.Size, fd.Name, fd.Size)
	}
	return fd, nil
}
