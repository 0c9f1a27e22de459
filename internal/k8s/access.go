package k8s

import (
	"context"

	"github.com/purdue-af/cluster-session-broker/internal/types"
)

// AccessReviewer answers permission questions for a bound session.
type AccessReviewer struct {
	newClient func(*types.ClusterBinding) (ClientInterface, error)
}

// NewAccessReviewer creates a reviewer that talks to the binding's cluster.
func NewAccessReviewer() *AccessReviewer {
	return &AccessReviewer{
		newClient: func(b *types.ClusterBinding) (ClientInterface, error) {
			return NewClient(b)
		},
	}
}

// CanI reports whether the binding's user may perform verb on desc.
func (r *AccessReviewer) CanI(ctx context.Context, binding *types.ClusterBinding, verb string, desc types.ResourceDescriptor, namespace, name string) (*AccessResult, error) {
	client, err := r.newClient(binding)
	if err != nil {
		return nil, err
	}
	return client.CanI(ctx, AccessCheck{
		Verb:      verb,
		Resource:  desc,
		Namespace: namespace,
		Name:      name,
	})
}
