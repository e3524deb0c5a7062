package proxy

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sparkmesh/clusterproxy/internal/apierror"
)

// anthropicModel is one entry of the normalized GET /v1/models listing.
type anthropicModel struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	OwnedBy string `json:"owned_by,omitempty"`
}

// handleModels implements GET /v1/models as a pass-through to the
// currently selected backend's model list, normalized to the Anthropic
// schema (spec.md §6). It asks the router for any node rather than a
// session-sticky one, since there is no conversation to be sticky to.
func (s *Server) handleModels(c *gin.Context) {
	ctx, cancel := s.requestContext(c)
	defer cancel()

	decision := s.manager.SelectNode("", "", "")
	if decision == nil {
		writeAPIError(c, apierror.Overloaded("No healthy cluster nodes available"))
		return
	}
	provider := s.manager.GetNodeProvider(decision.NodeID)
	if provider == nil {
		writeAPIError(c, apierror.Internal("no provider client registered for the selected node"))
		return
	}

	list, err := provider.ListModels(ctx)
	if err != nil {
		s.manager.RecordNodeFailure(decision.NodeID, err)
		writeAPIError(c, apierror.Internal("failed to list models from the backend"))
		return
	}
	s.manager.RecordNodeSuccess(decision.NodeID, 0)

	out := make([]anthropicModel, 0, len(list.Data))
	for _, m := range list.Data {
		out = append(out, anthropicModel{ID: m.ID, Type: "model", OwnedBy: m.OwnedBy})
	}
	c.JSON(http.StatusOK, gin.H{"data": out, "has_more": false})
}
