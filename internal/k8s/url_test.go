package k8s

import (
	"testing"

	"github.com/purdue-af/cluster-session-broker/internal/types"
	"github.com/stretchr/testify/assert"
)

func TestBuildResourceURL(t *testing.T) {
	pods := types.ResourceDescriptor{APIVersion: "v1", PluralName: "pods", Kind: "Pod", IsNamespaced: true}
	deployments := types.ResourceDescriptor{APIGroup: "apps", APIVersion: "v1", PluralName: "deployments", Kind: "Deployment", IsNamespaced: true}
	nodes := types.ResourceDescriptor{APIVersion: "v1", PluralName: "nodes", Kind: "Node"}
	crd := types.ResourceDescriptor{APIGroup: "example.org", APIVersion: "v1alpha1", PluralName: "widgets"}

	tests := []struct {
		name string
		desc types.ResourceDescriptor
		loc  ResourceLocation
		want string
	}{
		{"namespaced collection", pods, ResourceLocation{Namespace: "default"}, "/api/v1/namespaces/default/pods"},
		{"all namespaces", pods, ResourceLocation{}, "/api/v1/pods"},
		{"named object", pods, ResourceLocation{Namespace: "default", Name: "web-0"}, "/api/v1/namespaces/default/pods/web-0"},
		{"grouped object", deployments, ResourceLocation{Namespace: "team-a", Name: "api"}, "/apis/apps/v1/namespaces/team-a/deployments/api"},
		{"cluster scoped ignores namespace", nodes, ResourceLocation{Namespace: "default", Name: "node-1"}, "/api/v1/nodes/node-1"},
		{"namespaces collection", types.ResourceDescriptor{PluralName: "namespaces"}, ResourceLocation{Namespace: "x"}, "/api/v1/namespaces"},
		{"custom resource without namespaced flag", crd, ResourceLocation{Namespace: "lab"}, "/apis/example.org/v1alpha1/namespaces/lab/widgets"},
		{"version defaults to v1", types.ResourceDescriptor{PluralName: "configmaps"}, ResourceLocation{Namespace: "a"}, "/api/v1/namespaces/a/configmaps"},
		{"name is escaped", pods, ResourceLocation{Namespace: "default", Name: "a b"}, "/api/v1/namespaces/default/pods/a%20b"},
		{"cluster role by kind", types.ResourceDescriptor{APIGroup: "rbac.authorization.k8s.io", APIVersion: "v1", PluralName: "ClusterRoles", Kind: "ClusterRole"}, ResourceLocation{Namespace: "x"}, "/apis/rbac.authorization.k8s.io/v1/ClusterRoles"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BuildResourceURL(tt.desc, tt.loc))
		})
	}
}

func TestJoinURL(t *testing.T) {
	assert.Equal(t, "https://cluster.example:6443/api/v1/pods", JoinURL("https://cluster.example:6443/", "/api/v1/pods"))
	assert.Equal(t, "https://cluster.example/prefix/api/v1", JoinURL("https://cluster.example/prefix//", "//api/v1"))
	assert.Equal(t, "http://127.0.0.1:8080/api", JoinURL("http://127.0.0.1:8080", "api"))
}

func TestIsClusterScoped(t *testing.T) {
	assert.True(t, IsClusterScoped(types.ResourceDescriptor{PluralName: "persistentvolumes"}))
	assert.True(t, IsClusterScoped(types.ResourceDescriptor{Kind: "Namespace"}))
	assert.False(t, IsClusterScoped(types.ResourceDescriptor{PluralName: "persistentvolumeclaims"}))
}
