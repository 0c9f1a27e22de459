package k8s

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/purdue-af/cluster-session-broker/internal/types"
)

// clusterScoped lists the built-in kinds that never take a namespace segment.
var clusterScoped = map[string]bool{
	"nodes":               true,
	"persistentvolumes":   true,
	"clusterroles":        true,
	"clusterrolebindings": true,
	"namespaces":          true,
}

var clusterScopedKinds = map[string]bool{
	"Node":               true,
	"PersistentVolume":   true,
	"ClusterRole":        true,
	"ClusterRoleBinding": true,
	"Namespace":          true,
}

var repeatedSlashes = regexp.MustCompile(`/{2,}`)

// ResourceLocation narrows a resource URL to a namespace and/or object.
type ResourceLocation struct {
	Namespace string
	Name      string
}

// IsClusterScoped reports whether desc is one of the cluster-scoped built-in kinds.
func IsClusterScoped(desc types.ResourceDescriptor) bool {
	return clusterScoped[strings.ToLower(desc.PluralName)] || clusterScopedKinds[desc.Kind]
}

// BuildResourceURL returns the API path of a collection or object.
func BuildResourceURL(desc types.ResourceDescriptor, loc ResourceLocation) string {
	version := desc.APIVersion
	if version == "" {
		version = "v1"
	}

	var parts []string
	if desc.BuiltIn() {
		parts = append(parts, "api", version)
	} else {
		parts = append(parts, "apis", desc.APIGroup, version)
	}
	if loc.Namespace != "" && !IsClusterScoped(desc) {
		parts = append(parts, "namespaces", url.PathEscape(loc.Namespace))
	}
	parts = append(parts, desc.PluralName)
	if loc.Name != "" {
		parts = append(parts, url.PathEscape(loc.Name))
	}

	return repeatedSlashes.ReplaceAllString("/"+strings.Join(parts, "/"), "/")
}

// JoinURL appends path to server and collapses repeated slashes outside the scheme separator.
func JoinURL(server, path string) string {
	scheme, rest := "", server+"/"+path
	if i := strings.Index(rest, "://"); i >= 0 {
		scheme, rest = rest[:i+3], rest[i+3:]
	}
	return scheme + repeatedSlashes.ReplaceAllString(rest, "/")
}
