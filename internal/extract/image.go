package extract

import (
	"net/url"
	"strings"
)

// DefaultImageKeywords are path fragments that mark a likely product photo.
var DefaultImageKeywords = []string{"product", "item", "gallery"}

// ImageSelector picks the first product-looking image URL on a page.
type ImageSelector struct {
	keywords []string
}

// NewImageSelector creates a selector. An empty keyword list uses DefaultImageKeywords.
func NewImageSelector(keywords []string) *ImageSelector {
	kw := make([]string, 0, len(keywords))
	for _, k := range keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			kw = append(kw, k)
		}
	}
	if len(kw) == 0 {
		kw = DefaultImageKeywords
	}
	return &ImageSelector{keywords: kw}
}

// Select returns the first http(s) URL in document order whose path contains a
// keyword, case-insensitively. ok is false when nothing qualifies.
func (s *ImageSelector) Select(urls []string) (string, bool) {
	for _, raw := range urls {
		u, err := url.Parse(strings.TrimSpace(raw))
		if err != nil || u.Host == "" {
			continue
		}
		if scheme := strings.ToLower(u.Scheme); scheme != "http" && scheme != "https" {
			continue
		}
		path := strings.ToLower(u.Path)
		for _, k := range s.keywords {
			if strings.Contains(path, k) {
				return u.String(), true
			}
		}
	}
	return "", false
}
