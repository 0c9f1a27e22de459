package k8s

import (
	"context"
	"errors"
	"testing"

	"github.com/purdue-af/cluster-session-broker/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	authenticationv1 "k8s.io/api/authentication/v1"
	authorizationv1 "k8s.io/api/authorization/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"
)

func TestClient_CanI(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	var seen *authorizationv1.ResourceAttributes
	clientset.PrependReactor("create", "selfsubjectaccessreviews", func(action k8stesting.Action) (bool, runtime.Object, error) {
		review := action.(k8stesting.CreateAction).GetObject().(*authorizationv1.SelfSubjectAccessReview)
		seen = review.Spec.ResourceAttributes
		review.Status = authorizationv1.SubjectAccessReviewStatus{
			Allowed: seen.Verb == "list",
			Reason:  "RBAC: allowed by RoleBinding",
		}
		return true, review, nil
	})
	client := NewClientFromClientset(clientset)

	deployments := types.ResourceDescriptor{APIGroup: "apps", APIVersion: "v1", PluralName: "deployments"}
	result, err := client.CanI(context.Background(), AccessCheck{Verb: "list", Resource: deployments, Namespace: "team-a"})
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Equal(t, "RBAC: allowed by RoleBinding", result.Reason)
	require.NotNil(t, seen)
	assert.Equal(t, "apps", seen.Group)
	assert.Equal(t, "deployments", seen.Resource)
	assert.Equal(t, "team-a", seen.Namespace)

	result, err = client.CanI(context.Background(), AccessCheck{Verb: "delete", Resource: deployments, Namespace: "team-a", Name: "api"})
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Equal(t, "api", seen.Name)
}

func TestClient_CanIClusterScopedDropsNamespace(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	var namespace string
	clientset.PrependReactor("create", "selfsubjectaccessreviews", func(action k8stesting.Action) (bool, runtime.Object, error) {
		review := action.(k8stesting.CreateAction).GetObject().(*authorizationv1.SelfSubjectAccessReview)
		namespace = review.Spec.ResourceAttributes.Namespace
		return true, review, nil
	})

	_, err := NewClientFromClientset(clientset).CanI(context.Background(), AccessCheck{
		Verb:      "get",
		Resource:  types.ResourceDescriptor{PluralName: "nodes"},
		Namespace: "default",
	})
	require.NoError(t, err)
	assert.Empty(t, namespace)
}

func TestClient_CanIError(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	clientset.PrependReactor("create", "selfsubjectaccessreviews", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, errors.New("connection refused")
	})

	_, err := NewClientFromClientset(clientset).CanI(context.Background(), AccessCheck{Verb: "get", Resource: podsDescriptor})
	assert.ErrorContains(t, err, "connection refused")
}

func TestClient_WhoAmI(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	clientset.PrependReactor("create", "selfsubjectreviews", func(action k8stesting.Action) (bool, runtime.Object, error) {
		return true, &authenticationv1.SelfSubjectReview{
			Status: authenticationv1.SelfSubjectReviewStatus{
				UserInfo: authenticationv1.UserInfo{Username: "oidc:u1@example.org", UID: "u1"},
			},
		}, nil
	})

	identity, err := NewClientFromClientset(clientset).WhoAmI(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "oidc:u1@example.org", identity.Username)
	assert.NotNil(t, identity.Groups)
}

func TestClient_ListNamespaces(t *testing.T) {
	clientset := fake.NewSimpleClientset(
		&corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: "default"}},
		&corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: "team-a"}},
	)

	names, err := NewClientFromClientset(clientset).ListNamespaces(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"default", "team-a"}, names)
}

type stubClient struct {
	ClientInterface
	check AccessCheck
}

func (s *stubClient) CanI(_ context.Context, check AccessCheck) (*AccessResult, error) {
	s.check = check
	return &AccessResult{Allowed: true}, nil
}

func TestAccessReviewer_CanI(t *testing.T) {
	stub := &stubClient{}
	var bound *types.ClusterBinding
	reviewer := &AccessReviewer{newClient: func(b *types.ClusterBinding) (ClientInterface, error) {
		bound = b
		return stub, nil
	}}

	binding := &types.ClusterBinding{ServerURL: "https://af.example", Token: "id-token"}
	result, err := reviewer.CanI(context.Background(), binding, "watch", podsDescriptor, "default", "")
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Same(t, binding, bound)
	assert.Equal(t, "watch", stub.check.Verb)
	assert.Equal(t, "default", stub.check.Namespace)
}
