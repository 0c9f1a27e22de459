package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/purdue-af/cluster-session-broker/internal/k8s"
	"github.com/purdue-af/cluster-session-broker/internal/types"
	ktypes "k8s.io/apimachinery/pkg/types"
)

// resourceQuery is the descriptor and location taken from query parameters.
type resourceQuery struct {
	Group         string `form:"group"`
	Version       string `form:"version"`
	Plural        string `form:"plural" binding:"required"`
	Kind          string `form:"kind"`
	Namespaced    string `form:"namespaced"`
	Namespace     string `form:"namespace"`
	LabelSelector string `form:"labelSelector"`
}

func (q resourceQuery) descriptor() types.ResourceDescriptor {
	namespaced, _ := strconv.ParseBool(q.Namespaced)
	return types.ResourceDescriptor{
		APIGroup:     q.Group,
		APIVersion:   q.Version,
		PluralName:   q.Plural,
		Kind:         q.Kind,
		IsNamespaced: namespaced,
	}
}

func bindResourceQuery(c *gin.Context) (resourceQuery, bool) {
	var q resourceQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "plural query parameter is required"})
		return q, false
	}
	return q, true
}

func executorFor(c *gin.Context) (*k8s.Executor, bool) {
	executor, err := k8s.NewExecutor(currentBinding(c))
	if err != nil {
		respondError(c, err)
		return nil, false
	}
	return executor, true
}

func readBody(c *gin.Context) ([]byte, bool) {
	body, err := c.GetRawData()
	if err != nil || len(body) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "request body is required"})
		return nil, false
	}
	return body, true
}

func (h *Handlers) ListResources(c *gin.Context) {
	q, ok := bindResourceQuery(c)
	if !ok {
		return
	}
	executor, ok := executorFor(c)
	if !ok {
		return
	}

	list, err := executor.List(c.Request.Context(), q.descriptor(), q.Namespace, k8s.ListOptions{LabelSelector: q.LabelSelector})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, list.Object)
}

func (h *Handlers) GetResource(c *gin.Context) {
	q, ok := bindResourceQuery(c)
	if !ok {
		return
	}
	executor, ok := executorFor(c)
	if !ok {
		return
	}

	obj, err := executor.Get(c.Request.Context(), q.descriptor(), q.Namespace, c.Param("name"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, obj.Object)
}

func (h *Handlers) CreateResource(c *gin.Context) {
	q, ok := bindResourceQuery(c)
	if !ok {
		return
	}
	body, ok := readBody(c)
	if !ok {
		return
	}
	executor, ok := executorFor(c)
	if !ok {
		return
	}

	obj, err := executor.Create(c.Request.Context(), q.descriptor(), q.Namespace, body)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, obj.Object)
}

func (h *Handlers) ReplaceResource(c *gin.Context) {
	q, ok := bindResourceQuery(c)
	if !ok {
		return
	}
	body, ok := readBody(c)
	if !ok {
		return
	}
	executor, ok := executorFor(c)
	if !ok {
		return
	}

	obj, err := executor.Replace(c.Request.Context(), q.descriptor(), q.Namespace, c.Param("name"), body)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, obj.Object)
}

func (h *Handlers) PatchResource(c *gin.Context) {
	q, ok := bindResourceQuery(c)
	if !ok {
		return
	}
	body, ok := readBody(c)
	if !ok {
		return
	}
	executor, ok := executorFor(c)
	if !ok {
		return
	}

	patch := k8s.PatchBody{Type: patchType(c.ContentType()), Data: body}
	obj, err := executor.Patch(c.Request.Context(), q.descriptor(), q.Namespace, c.Param("name"), patch)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, obj.Object)
}

// patchType passes through recognised patch media types and defaults to a merge patch.
func patchType(contentType string) ktypes.PatchType {
	switch pt := ktypes.PatchType(strings.ToLower(contentType)); pt {
	case ktypes.JSONPatchType, ktypes.MergePatchType, ktypes.StrategicMergePatchType, ktypes.ApplyPatchType:
		return pt
	}
	return ktypes.MergePatchType
}

func (h *Handlers) DeleteResource(c *gin.Context) {
	q, ok := bindResourceQuery(c)
	if !ok {
		return
	}
	executor, ok := executorFor(c)
	if !ok {
		return
	}

	obj, err := executor.Delete(c.Request.Context(), q.descriptor(), q.Namespace, c.Param("name"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, obj.Object)
}

// PermissionRequest asks whether the current user may perform Verb.
type PermissionRequest struct {
	Verb      string                   `json:"verb" binding:"required"`
	Resource  types.ResourceDescriptor `json:"resource"`
	Namespace string                   `json:"namespace"`
	Name      string                   `json:"name"`
}

func (h *Handlers) CheckPermission(c *gin.Context) {
	var req PermissionRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Resource.PluralName == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "verb and resource.plural are required"})
		return
	}

	result, err := h.reviewer.CanI(c.Request.Context(), currentBinding(c), req.Verb, req.Resource, req.Namespace, req.Name)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handlers) WhoAmI(c *gin.Context) {
	client, err := h.newClient(currentBinding(c))
	if err != nil {
		respondError(c, err)
		return
	}

	identity, err := client.WhoAmI(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, identity)
}

func (h *Handlers) ListNamespaces(c *gin.Context) {
	client, err := h.newClient(currentBinding(c))
	if err != nil {
		respondError(c, err)
		return
	}

	names, err := client.ListNamespaces(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"namespaces": names})
}

// HandleWatch upgrades to the subscription tunnel.
func (h *Handlers) HandleWatch(c *gin.Context) {
	sessionID := c.MustGet(sessionIDKey).(string)
	h.tunnels.HandleConnection(c.Writer, c.Request, sessionID, currentBinding(c))
}
