package k8s

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"

	"github.com/purdue-af/cluster-session-broker/internal/metrics"
	"github.com/purdue-af/cluster-session-broker/internal/types"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	ktypes "k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/rest"
	"k8s.io/klog/v2"
)

// RESTConfig builds a client-go configuration from a binding. TLS material is
// taken from inline data first and files second; unreadable files are logged
// and skipped because not every cluster requires them.
func RESTConfig(binding *types.ClusterBinding) *rest.Config {
	cfg := &rest.Config{
		Host:        binding.ServerURL,
		BearerToken: binding.Token,
		TLSClientConfig: rest.TLSClientConfig{
			Insecure: binding.InsecureSkipTLSVerify,
		},
	}

	if !binding.InsecureSkipTLSVerify {
		cfg.TLSClientConfig.CAData = tlsMaterial("certificate authority", binding.CAData, binding.CAFile)
	}

	cert := tlsMaterial("client certificate", binding.CertData, binding.CertFile)
	key := tlsMaterial("client key", binding.KeyData, binding.KeyFile)
	if len(cert) > 0 && len(key) > 0 {
		cfg.TLSClientConfig.CertData = cert
		cfg.TLSClientConfig.KeyData = key
	} else if len(cert) > 0 || len(key) > 0 {
		klog.InfoS("Ignoring incomplete client certificate material", "cluster", binding.ClusterName)
	}

	return cfg
}

func tlsMaterial(kind string, data []byte, file string) []byte {
	if len(data) > 0 {
		return data
	}
	if file == "" {
		return nil
	}
	content, err := os.ReadFile(file)
	if err != nil {
		klog.ErrorS(err, "Failed to read TLS material, continuing without it", "kind", kind, "file", file)
		return nil
	}
	return content
}

// Executor issues authenticated requests against one bound cluster.
type Executor struct {
	binding *types.ClusterBinding
	client  *http.Client
}

// NewExecutor creates an executor for binding.
func NewExecutor(binding *types.ClusterBinding) (*Executor, error) {
	client, err := rest.HTTPClientFor(RESTConfig(binding))
	if err != nil {
		return nil, fmt.Errorf("failed to create cluster HTTP client: %w", err)
	}
	return &Executor{binding: binding, client: client}, nil
}

// HTTPClient returns the authenticated client, e.g. for watch connections.
func (e *Executor) HTTPClient() *http.Client {
	return e.client
}

// Binding returns the binding this executor was built for.
func (e *Executor) Binding() *types.ClusterBinding {
	return e.binding
}

// URL returns the absolute URL of a resource path on the bound cluster.
func (e *Executor) URL(path string) string {
	return JoinURL(e.binding.ServerURL, path)
}

// PatchBody is a patch document together with its media type. Plain bodies
// are always sent as application/json.
type PatchBody struct {
	Type ktypes.PatchType
	Data []byte
}

func sendsBody(method string) bool {
	return method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch
}

// Request performs one call. body may be nil, raw JSON bytes, a PatchBody or
// any value that marshals to JSON.
func (e *Executor) Request(ctx context.Context, method, url string, body interface{}) (*unstructured.Unstructured, error) {
	var (
		reader      io.Reader
		hasBody     bool
		contentType = "application/json"
	)
	if body != nil {
		var data []byte
		switch b := body.(type) {
		case PatchBody:
			data = b.Data
			if b.Type != "" {
				contentType = string(b.Type)
			}
		case []byte:
			data = b
		case json.RawMessage:
			data = b
		default:
			var err error
			if data, err = json.Marshal(body); err != nil {
				return nil, fmt.Errorf("failed to encode request body: %w", err)
			}
		}
		reader = bytes.NewReader(data)
		hasBody = true
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create cluster request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if hasBody && sendsBody(method) {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		metrics.ReportClusterRequest(method, "error")
		return nil, fmt.Errorf("cluster request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	metrics.ReportClusterRequest(method, strconv.Itoa(resp.StatusCode))
	if err != nil {
		return nil, fmt.Errorf("failed to read cluster response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			StatusText: http.StatusText(resp.StatusCode),
			Body:       data,
		}
	}

	obj := map[string]interface{}{}
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &obj); err != nil {
			return nil, fmt.Errorf("failed to decode cluster response: %w", err)
		}
	}
	return &unstructured.Unstructured{Object: obj}, nil
}

// ListOptions narrows a list request.
type ListOptions struct {
	LabelSelector string
}

// List returns the collection described by desc.
func (e *Executor) List(ctx context.Context, desc types.ResourceDescriptor, namespace string, opts ListOptions) (*unstructured.Unstructured, error) {
	u := e.URL(BuildResourceURL(desc, ResourceLocation{Namespace: namespace}))
	if opts.LabelSelector != "" {
		u += "?" + url.Values{"labelSelector": {opts.LabelSelector}}.Encode()
	}
	return e.Request(ctx, http.MethodGet, u, nil)
}

// Get returns one object.
func (e *Executor) Get(ctx context.Context, desc types.ResourceDescriptor, namespace, name string) (*unstructured.Unstructured, error) {
	return e.Request(ctx, http.MethodGet, e.URL(BuildResourceURL(desc, ResourceLocation{Namespace: namespace, Name: name})), nil)
}

// Create posts a new object into the collection.
func (e *Executor) Create(ctx context.Context, desc types.ResourceDescriptor, namespace string, body interface{}) (*unstructured.Unstructured, error) {
	return e.Request(ctx, http.MethodPost, e.URL(BuildResourceURL(desc, ResourceLocation{Namespace: namespace})), body)
}

// Replace overwrites an existing object.
func (e *Executor) Replace(ctx context.Context, desc types.ResourceDescriptor, namespace, name string, body interface{}) (*unstructured.Unstructured, error) {
	return e.Request(ctx, http.MethodPut, e.URL(BuildResourceURL(desc, ResourceLocation{Namespace: namespace, Name: name})), body)
}

// Patch applies a patch to an existing object. Pass a PatchBody to choose the
// patch strategy.
func (e *Executor) Patch(ctx context.Context, desc types.ResourceDescriptor, namespace, name string, body interface{}) (*unstructured.Unstructured, error) {
	return e.Request(ctx, http.MethodPatch, e.URL(BuildResourceURL(desc, ResourceLocation{Namespace: namespace, Name: name})), body)
}

// Delete removes an object.
func (e *Executor) Delete(ctx context.Context, desc types.ResourceDescriptor, namespace, name string) (*unstructured.Unstructured, error) {
	return e.Request(ctx, http.MethodDelete, e.URL(BuildResourceURL(desc, ResourceLocation{Namespace: namespace, Name: name})), nil)
}
