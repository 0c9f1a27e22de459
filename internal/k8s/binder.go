package k8s

import (
	"errors"
	"fmt"

	"github.com/purdue-af/cluster-session-broker/internal/types"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	clientcmdapi "k8s.io/client-go/tools/clientcmd/api"
	"k8s.io/klog/v2"
)

// LoadMode selects how the ambient cluster configuration is discovered.
type LoadMode string

const (
	// ModeKubeconfig uses the default kubeconfig loading rules (KUBECONFIG, ~/.kube/config).
	ModeKubeconfig LoadMode = "kubeconfig"
	// ModeInCluster uses the pod's service account environment.
	ModeInCluster LoadMode = "incluster"

	inClusterName       = "in-cluster"
	placeholderUserName = "oidc-user"
)

var (
	ErrNoUser           = errors.New("session has no authenticated user")
	ErrNoCredential     = errors.New("session has no token to bind")
	ErrNoCurrentContext = errors.New("no current context in cluster configuration")
	ErrNoCurrentCluster = errors.New("no current cluster in cluster configuration")
)

// IsBindingError reports whether err is a cluster binding failure.
func IsBindingError(err error) bool {
	return errors.Is(err, ErrNoUser) || errors.Is(err, ErrNoCredential) ||
		errors.Is(err, ErrNoCurrentContext) || errors.Is(err, ErrNoCurrentCluster)
}

// Binder turns an authenticated session into a ClusterBinding.
type Binder struct {
	config *clientcmdapi.Config
}

// NewBinder loads the ambient cluster configuration once.
func NewBinder(mode LoadMode, kubeconfigPath string) (*Binder, error) {
	var (
		config *clientcmdapi.Config
		err    error
	)

	switch mode {
	case ModeInCluster:
		config, err = inClusterConfig()
	case ModeKubeconfig, "":
		rules := clientcmd.NewDefaultClientConfigLoadingRules()
		if kubeconfigPath != "" {
			rules.ExplicitPath = kubeconfigPath
		}
		var raw clientcmdapi.Config
		raw, err = clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, &clientcmd.ConfigOverrides{}).RawConfig()
		config = &raw
	default:
		return nil, fmt.Errorf("unknown cluster config mode %q", mode)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load cluster config: %w", err)
	}

	klog.InfoS("Loaded cluster configuration", "mode", mode, "currentContext", config.CurrentContext)
	return NewBinderFromConfig(config), nil
}

// NewBinderFromConfig creates a binder over an already loaded configuration.
func NewBinderFromConfig(config *clientcmdapi.Config) *Binder {
	return &Binder{config: config}
}

func inClusterConfig() (*clientcmdapi.Config, error) {
	rc, err := rest.InClusterConfig()
	if err != nil {
		return nil, err
	}

	config := clientcmdapi.NewConfig()
	config.Clusters[inClusterName] = &clientcmdapi.Cluster{
		Server:                   rc.Host,
		CertificateAuthority:     rc.TLSClientConfig.CAFile,
		CertificateAuthorityData: rc.TLSClientConfig.CAData,
	}
	config.AuthInfos[inClusterName] = &clientcmdapi.AuthInfo{}
	config.Contexts[inClusterName] = &clientcmdapi.Context{
		Cluster:  inClusterName,
		AuthInfo: inClusterName,
	}
	config.CurrentContext = inClusterName
	return config, nil
}

// Bind resolves the current context and cluster and injects the session's
// token as the only user credential.
func (b *Binder) Bind(session *types.Session) (*types.ClusterBinding, error) {
	if !session.Authenticated() {
		return nil, ErrNoUser
	}

	token := session.User.Tokens.ClusterCredential()
	if token == "" {
		return nil, ErrNoCredential
	}

	contextName := b.config.CurrentContext
	kubeContext, ok := b.config.Contexts[contextName]
	if contextName == "" || !ok || kubeContext == nil {
		return nil, ErrNoCurrentContext
	}

	cluster, ok := b.config.Clusters[kubeContext.Cluster]
	if !ok || cluster == nil || cluster.Server == "" {
		return nil, fmt.Errorf("%w: context %q references cluster %q", ErrNoCurrentCluster, contextName, kubeContext.Cluster)
	}

	userName := session.User.Claims.Email
	if userName == "" {
		userName = placeholderUserName
	}

	binding := &types.ClusterBinding{
		ClusterName:           kubeContext.Cluster,
		ContextName:           contextName,
		UserCredentialName:    userName,
		ServerURL:             cluster.Server,
		Token:                 token,
		CAData:                cluster.CertificateAuthorityData,
		CAFile:                cluster.CertificateAuthority,
		InsecureSkipTLSVerify: cluster.InsecureSkipTLSVerify,
	}

	// Client certificates of the context's user are kept for clusters that
	// require mutual TLS; any token or exec plugin of that user is not.
	if authInfo, ok := b.config.AuthInfos[kubeContext.AuthInfo]; ok && authInfo != nil {
		binding.CertData = authInfo.ClientCertificateData
		binding.CertFile = authInfo.ClientCertificate
		binding.KeyData = authInfo.ClientKeyData
		binding.KeyFile = authInfo.ClientKey
	}

	return binding, nil
}
