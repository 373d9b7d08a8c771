package providers

import (
	"fmt"
	"path"
	"strings"
)

// IsDataURI reports whether url is an inline data URI
func IsDataURI(url string) bool {
	return strings.HasPrefix(url, "data:")
}

// ParseDataURI splits a base64 data URI into its media type and payload.
// The payload is returned without the "data:<type>;base64," prefix.
func ParseDataURI(uri string) (mediaType, data string, err error) {
	if !IsDataURI(uri) {
		return "", "", fmt.Errorf("not a data URI")
	}
	header, payload, ok := strings.Cut(strings.TrimPrefix(uri, "data:"), ",")
	if !ok {
		return "", "", fmt.Errorf("malformed data URI")
	}
	mediaType, encoding, _ := strings.Cut(header, ";")
	if encoding != "base64" {
		return "", "", fmt.Errorf("data URI must be base64 encoded")
	}
	if mediaType == "" {
		mediaType = "image/jpeg"
	}
	return mediaType, payload, nil
}

// GuessImageMediaType infers an image media type from a URL extension
func GuessImageMediaType(url string) string {
	if i := strings.IndexAny(url, "?#"); i >= 0 {
		url = url[:i]
	}
	switch strings.ToLower(path.Ext(url)) {
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".heic":
		return "image/heic"
	default:
		return "image/jpeg"
	}
}
