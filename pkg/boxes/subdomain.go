package boxes

import (
	"math/rand/v2"
	"strings"
)

const (
	suffixAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	suffixLength   = 4

	// maxSlugLength keeps slug + "-" + suffix within a 63 byte DNS label.
	maxSlugLength = 40
)

// Slugify lowercases name and reduces it to [a-z0-9-], collapsing runs of
// other characters into a single hyphen. An empty result becomes "box".
func Slugify(name string) string {
	var sb strings.Builder
	hyphen := false
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			sb.WriteRune(r)
			hyphen = false
		case sb.Len() > 0 && !hyphen:
			sb.WriteByte('-')
			hyphen = true
		}
		if sb.Len() >= maxSlugLength {
			break
		}
	}

	slug := strings.Trim(sb.String(), "-")
	if len(slug) > maxSlugLength {
		slug = strings.TrimRight(slug[:maxSlugLength], "-")
	}
	if slug == "" {
		return "box"
	}
	return slug
}

// RandomSuffix returns suffixLength characters from [a-z0-9].
func RandomSuffix() string {
	b := make([]byte, suffixLength)
	for i := range b {
		b[i] = suffixAlphabet[rand.IntN(len(suffixAlphabet))]
	}
	return string(b)
}

// NewSubdomain returns "<slug(name)>-<suffix>".
func NewSubdomain(name, suffix string) string {
	return Slugify(name) + "-" + suffix
}
