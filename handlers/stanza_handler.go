package handlers

import (
	"context"
	"net/http"

	"github.com/igniterealtime/openfire-xmldebugger-plugin/services/correlator"
	"github.com/igniterealtime/openfire-xmldebugger-plugin/utils"
	"go.uber.org/zap"
)

// StanzaSubmitter injects operator-authored stanzas into the server.
type StanzaSubmitter interface {
	Submit(ctx context.Context, input string) (*correlator.Result, error)
}

// StanzaHandler serves stanza submission.
type StanzaHandler struct {
	submitter StanzaSubmitter
	logger    *zap.Logger
}

// NewStanzaHandler creates a new StanzaHandler
func NewStanzaHandler(submitter StanzaSubmitter, logger *zap.Logger) *StanzaHandler {
	return &StanzaHandler{submitter: submitter, logger: logger}
}

// SubmitStanzaRequest carries raw XML. Blank input is answered with a
// rejected outcome rather than a validation error.
type SubmitStanzaRequest struct {
	Stanza string `json:"stanza" validate:"max=65536"`
}

// HandleSubmit handles POST /api/v1/debugger/stanzas. The request blocks
// until the reply arrives or the reply timeout passes.
func (h *StanzaHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitStanzaRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}
	if err := utils.ValidateStruct(&req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	result, err := h.submitter.Submit(r.Context(), req.Stanza)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	if err := utils.WriteOK(w, result); err != nil {
		h.logger.Error("failed to write stanza response", zap.Error(err))
	}
}
