package hls

import (
	"fmt"
	"net/url"
	"strings"
)

// UnknownQualityError is returned when the variant playlist has no rendition
// matching the requested quality.
type UnknownQualityError struct {
	Expected string
	Observed []string
}

func (e *UnknownQualityError) Error() string {
	return fmt.Sprintf("unknown quality %q, variant playlist offers [%s]",
		e.Expected, strings.Join(e.Observed, ", "))
}

// SelectVariant parses a variant playlist and returns the media playlist URL
// of the rendition whose video group id matches quality ("chunked" is the
// platform's source quality).
func SelectVariant(text, quality string) (string, error) {
	mv, err := unmarshalMultivariant([]byte(text))
	if err != nil {
		return "", err
	}

	var observed []string
	for _, variant := range mv.Variants {
		group := variant.Video
		if group == "" {
			continue
		}
		if group == quality {
			return variant.URI, nil
		}
		observed = append(observed, group)
	}
	return "", &UnknownQualityError{Expected: quality, Observed: observed}
}

// BaseURI returns the directory part of a media playlist URL, with a
// trailing slash, against which relative segment names resolve.
func BaseURI(playlistURL string) string {
	if i := strings.LastIndex(playlistURL, "/"); i >= 0 {
		return playlistURL[:i+1]
	}
	return playlistURL
}

// ResolveURL resolves a possibly-relative segment reference against the
// playlist base URL. Malformed input falls back to plain concatenation.
func ResolveURL(base, ref string) string {
	baseURL, err := url.Parse(base)
	if err != nil {
		return base + ref
	}
	refURL, err := url.Parse(ref)
	if err != nil {
		return base + ref
	}
	return baseURL.ResolveReference(refURL).String()
}
