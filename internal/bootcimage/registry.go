package bootcimage

import "strings"

// DefaultRegistry is assumed when a bare image name carries no registry
// component at all.
const DefaultRegistry = "docker.io"

// NormalizeRegistryURL strips a protocol prefix and trailing slash from a
// user-supplied registry URL.
func NormalizeRegistryURL(registryURL string) string {
	registry := strings.TrimPrefix(registryURL, "https://")
	registry = strings.TrimPrefix(registry, "http://")
	return strings.TrimSuffix(registry, "/")
}

// RegistryOf extracts the registry host from a container image reference of
// the form [registry/]repository[:tag|@digest].
func RegistryOf(imageRef string) string {
	withoutDigest := strings.Split(imageRef, "@")[0]
	parts := strings.Split(withoutDigest, "/")

	if len(parts) == 1 {
		return DefaultRegistry
	}

	first := parts[0]
	if strings.Contains(first, ".") || strings.Contains(first, ":") || strings.EqualFold(first, "localhost") {
		return first
	}
	return DefaultRegistry
}

// IsFullReference reports whether imageRef already names a registry, as
// opposed to a bare Docker-Hub-relative name.
func IsFullReference(imageRef string) bool {
	parts := strings.Split(imageRef, "/")
	if len(parts) == 1 {
		return false
	}
	first := parts[0]
	return strings.Contains(first, ".") || strings.Contains(first, ":") || strings.EqualFold(first, "localhost")
}
