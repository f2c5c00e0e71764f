package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/igniterealtime/openfire-xmldebugger-plugin/internal/host"
	"github.com/igniterealtime/openfire-xmldebugger-plugin/services"
	"github.com/igniterealtime/openfire-xmldebugger-plugin/services/debugger"
	"github.com/igniterealtime/openfire-xmldebugger-plugin/utils"
	"go.uber.org/zap"
)

// DebuggerService is the part of the debugger the operator API drives.
type DebuggerService interface {
	Settings() debugger.Settings
	Apply(debugger.Settings)
	Taps() []debugger.TapStatus
	SetEnabled(t host.ConnectionType, enabled bool) error
}

// DebuggerHandler serves the debugger toggles.
type DebuggerHandler struct {
	debugger DebuggerService
	logger   *zap.Logger
}

// NewDebuggerHandler creates a new DebuggerHandler
func NewDebuggerHandler(d DebuggerService, logger *zap.Logger) *DebuggerHandler {
	return &DebuggerHandler{debugger: d, logger: logger}
}

// UpdateConfigRequest sets every toggle at once. Pointers tell an explicit
// false apart from a missing field.
type UpdateConfigRequest struct {
	RawDefault     *bool `json:"raw_default" validate:"required"`
	RawLegacyTLS   *bool `json:"raw_legacy_tls" validate:"required"`
	RawComponent   *bool `json:"raw_component" validate:"required"`
	RawMultiplexer *bool `json:"raw_multiplexer" validate:"required"`
	Interpreted    *bool `json:"interpreted" validate:"required"`
	Whitespace     *bool `json:"whitespace" validate:"required"` // true logs blank payloads
	ConsoleSink    *bool `json:"console_sink" validate:"required"`
	FileSink       *bool `json:"file_sink" validate:"required"`
}

func (r *UpdateConfigRequest) settings() debugger.Settings {
	return debugger.Settings{
		RawDefault:     *r.RawDefault,
		RawLegacyTLS:   *r.RawLegacyTLS,
		RawComponent:   *r.RawComponent,
		RawMultiplexer: *r.RawMultiplexer,
		Interpreted:    *r.Interpreted,
		Whitespace:     *r.Whitespace,
		ConsoleSink:    *r.ConsoleSink,
		FileSink:       *r.FileSink,
	}
}

// SetTapRequest toggles one raw tap.
type SetTapRequest struct {
	Enabled *bool `json:"enabled" validate:"required"`
}

// HandleGetConfig handles GET /api/v1/debugger/config
func (h *DebuggerHandler) HandleGetConfig(w http.ResponseWriter, r *http.Request) {
	if err := utils.WriteOK(w, h.debugger.Settings()); err != nil {
		h.logger.Error("failed to write config response", zap.Error(err))
	}
}

// HandleUpdateConfig handles PUT /api/v1/debugger/config
func (h *DebuggerHandler) HandleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var req UpdateConfigRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}
	if err := utils.ValidateStruct(&req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	h.debugger.Apply(req.settings())

	if err := utils.WriteOK(w, h.debugger.Settings()); err != nil {
		h.logger.Error("failed to write config response", zap.Error(err))
	}
}

// HandleListTaps handles GET /api/v1/debugger/taps
func (h *DebuggerHandler) HandleListTaps(w http.ResponseWriter, r *http.Request) {
	if err := utils.WriteOK(w, h.debugger.Taps()); err != nil {
		h.logger.Error("failed to write taps response", zap.Error(err))
	}
}

// HandleSetTap handles PUT /api/v1/debugger/taps/{category}
func (h *DebuggerHandler) HandleSetTap(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "category")
	category, ok := host.ParseConnectionType(name)
	if !ok {
		HandleServiceError(w, services.NewDomainError(services.ErrorTypeNotFound,
			"unknown connection category "+name, nil), h.logger)
		return
	}

	var req SetTapRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}
	if err := utils.ValidateStruct(&req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	if err := h.debugger.SetEnabled(category, *req.Enabled); err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	for _, tap := range h.debugger.Taps() {
		if tap.Category == category.String() {
			if err := utils.WriteOK(w, tap); err != nil {
				h.logger.Error("failed to write tap response", zap.Error(err))
			}
			return
		}
	}
	HandleServiceError(w, services.WrapInternal("tap vanished after toggle", nil), h.logger)
}
