package k8s

import (
	"context"
	"fmt"

	"github.com/purdue-af/cluster-session-broker/internal/types"
	authenticationv1 "k8s.io/api/authentication/v1"
	authorizationv1 "k8s.io/api/authorization/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

// ClientInterface defines the typed cluster queries made on behalf of a session.
type ClientInterface interface {
	// CanI reports whether the bound user may perform verb on the resource.
	CanI(ctx context.Context, check AccessCheck) (*AccessResult, error)

	// WhoAmI returns the identity the cluster derived from the bound credential.
	WhoAmI(ctx context.Context) (*ClusterIdentity, error)

	// ListNamespaces returns the namespaces visible to the bound user.
	ListNamespaces(ctx context.Context) ([]string, error)
}

// AccessCheck describes a single permission question.
type AccessCheck struct {
	Verb        string                   `json:"verb"`
	Resource    types.ResourceDescriptor `json:"resource"`
	Namespace   string                   `json:"namespace,omitempty"`
	Name        string                   `json:"name,omitempty"`
	Subresource string                   `json:"subresource,omitempty"`
}

// AccessResult is the cluster's answer to an AccessCheck.
type AccessResult struct {
	Allowed bool   `json:"allowed"`
	Denied  bool   `json:"denied,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// ClusterIdentity is the user as seen by the API server.
type ClusterIdentity struct {
	Username string   `json:"username"`
	UID      string   `json:"uid,omitempty"`
	Groups   []string `json:"groups"`
}

// Client implements ClientInterface with a clientset bound to one session.
type Client struct {
	clientset kubernetes.Interface
}

// NewClient creates a typed client that authenticates with binding's credential.
func NewClient(binding *types.ClusterBinding) (*Client, error) {
	clientset, err := kubernetes.NewForConfig(RESTConfig(binding))
	if err != nil {
		return nil, fmt.Errorf("failed to create k8s clientset: %w", err)
	}
	return &Client{clientset: clientset}, nil
}

// NewClientFromClientset wraps an existing clientset.
func NewClientFromClientset(clientset kubernetes.Interface) *Client {
	return &Client{clientset: clientset}
}

// CanI asks the API server with a SelfSubjectAccessReview.
func (c *Client) CanI(ctx context.Context, check AccessCheck) (*AccessResult, error) {
	namespace := check.Namespace
	if IsClusterScoped(check.Resource) {
		namespace = ""
	}

	review := &authorizationv1.SelfSubjectAccessReview{
		Spec: authorizationv1.SelfSubjectAccessReviewSpec{
			ResourceAttributes: &authorizationv1.ResourceAttributes{
				Namespace:   namespace,
				Verb:        check.Verb,
				Group:       check.Resource.APIGroup,
				Version:     check.Resource.APIVersion,
				Resource:    check.Resource.PluralName,
				Subresource: check.Subresource,
				Name:        check.Name,
			},
		},
	}

	result, err := c.clientset.AuthorizationV1().SelfSubjectAccessReviews().Create(ctx, review, metav1.CreateOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to review access: %w", err)
	}

	return &AccessResult{
		Allowed: result.Status.Allowed,
		Denied:  result.Status.Denied,
		Reason:  result.Status.Reason,
	}, nil
}

// WhoAmI issues a SelfSubjectReview.
func (c *Client) WhoAmI(ctx context.Context) (*ClusterIdentity, error) {
	review, err := c.clientset.AuthenticationV1().SelfSubjectReviews().Create(ctx, &authenticationv1.SelfSubjectReview{}, metav1.CreateOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to review identity: %w", err)
	}

	info := review.Status.UserInfo
	groups := info.Groups
	if groups == nil {
		groups = []string{}
	}
	return &ClusterIdentity{Username: info.Username, UID: info.UID, Groups: groups}, nil
}

// ListNamespaces returns namespace names in server order.
func (c *Client) ListNamespaces(ctx context.Context) ([]string, error) {
	list, err := c.clientset.CoreV1().Namespaces().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list namespaces: %w", err)
	}

	names := make([]string, 0, len(list.Items))
	for _, ns := range list.Items {
		names = append(names, ns.Name)
	}
	return names, nil
}
