package notify

import (
	"net/url"
	"path"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

const RootPath = "/"

// Normalized paths are comparable with `==`:
// - scheme and host are removed
// - percent escapes are decoded
// - the channel prefix is removed
// - no trailing slash, except the root `/`
// - NFC and case folded
//
// Servers differ in path casing, so all comparisons are case-insensitive.
type PathNormalizer struct {
	// normalized form of the channel prefix. empty when there is no prefix
	prefix string
}

func NewPathNormalizer(prefix string) *PathNormalizer {
	normalizer := &PathNormalizer{}
	if normalizedPrefix := normalizer.Normalize(prefix); normalizedPrefix != RootPath {
		normalizer.prefix = normalizedPrefix
	}
	return normalizer
}

// normalizes a browser location. the query and fragment are dropped
func (self *PathNormalizer) NormalizeLocation(location string) string {
	if i := strings.IndexAny(location, "?#"); 0 <= i {
		location = location[:i]
	}
	return self.Normalize(location)
}

func (self *PathNormalizer) Normalize(p string) string {
	p = strings.TrimSpace(p)
	if i := strings.Index(p, "://"); 0 <= i {
		hostAndPath := p[i+len("://"):]
		if j := strings.Index(hostAndPath, "/"); 0 <= j {
			p = hostAndPath[j:]
		} else {
			p = RootPath
		}
	}
	if unescaped, err := url.PathUnescape(p); err == nil {
		p = unescaped
	}
	p = path.Clean("/" + p)
	p = cases.Fold().String(norm.NFC.String(p))

	if self.prefix != "" {
		if p == self.prefix {
			p = RootPath
		} else if rest, ok := strings.CutPrefix(p, self.prefix+"/"); ok {
			p = "/" + rest
		}
	}
	return p
}

// the substring of a normalized path up to its last separator.
// top level items have the root as parent
func ParentFolder(normalizedPath string) string {
	i := strings.LastIndex(normalizedPath, "/")
	if i <= 0 {
		return RootPath
	}
	return normalizedPath[:i]
}

// true if `normalizedPath` is `normalizedAncestor` or nested under it.
// matches only on segment boundaries, so `/a/bc` is not under `/a/b`
func IsSameOrUnder(normalizedPath string, normalizedAncestor string) bool {
	if normalizedPath == normalizedAncestor || normalizedAncestor == RootPath {
		return true
	}
	return strings.HasPrefix(normalizedPath, normalizedAncestor+"/")
}
