package main

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/talosprotocol/tga/pkg/canon"
	"github.com/talosprotocol/tga/pkg/governance"
	"github.com/talosprotocol/tga/pkg/model"
	"github.com/talosprotocol/tga/pkg/runtime"
)

type gatewayHandlers struct {
	runtime *runtime.Runtime
	logger  *slog.Logger
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{"error": apiError{Code: code, Message: message}})
}

// coarsenAuthError maps internal governance.ErrorKind values onto the three
// codes spec.md §6 exposes for governance_authorize: UNAUTHORIZED,
// INVALID_ARGUMENTS, INTERNAL_ERROR. Authorization and session kinds map to
// UNAUTHORIZED, and ErrKindInvalidState (an operation against a trace in the
// wrong state) maps to INVALID_ARGUMENTS. Integrity kinds, the recovery
// kinds and anything unclassified surface as INTERNAL_ERROR so an operator
// sees them, never as a quiet UNAUTHORIZED.
func coarsenAuthError(err error) (int, string) {
	kind, ok := governance.KindOf(err)
	if !ok {
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
	switch kind {
	case governance.ErrKindInvalidCapability, governance.ErrKindCapabilityExpired,
		governance.ErrKindConstraintViolation, governance.ErrKindNotFound,
		governance.ErrKindSessionExpired, governance.ErrKindPrincipalMismatch,
		governance.ErrKindSessionConflict:
		return http.StatusUnauthorized, "UNAUTHORIZED"
	case governance.ErrKindInvalidState:
		return http.StatusBadRequest, "INVALID_ARGUMENTS"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}

type authorizeRequest struct {
	// Cold path.
	CapabilityJWS string `json:"capability_jws"`
	// Warm path.
	SessionID   string `json:"session_id"`
	PrincipalID string `json:"principal_id"`
	// Shared.
	ToolServer string         `json:"tool_server"`
	ToolName   string         `json:"tool_name"`
	Args       map[string]any `json:"args"`
}

func (h *gatewayHandlers) authorize(c *gin.Context) {
	var req authorizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_ARGUMENTS", err.Error())
		return
	}
	if req.ToolServer == "" || req.ToolName == "" {
		writeError(c, http.StatusBadRequest, "INVALID_ARGUMENTS", "tool_server and tool_name are required")
		return
	}

	argsDigest, err := canon.DigestModel(req.Args)
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_ARGUMENTS", "args must be JSON-serializable")
		return
	}

	if req.CapabilityJWS != "" {
		entry, err := h.runtime.AuthorizeToolCall(c.Request.Context(), req.CapabilityJWS, req.ToolServer, req.ToolName, req.Args)
		if err != nil {
			status, code := coarsenAuthError(err)
			writeError(c, status, code, err.Error())
			return
		}
		c.JSON(http.StatusOK, gin.H{"tool_call": gin.H{
			"tool_call_id":    entry.ToolCallID,
			"session_id":      entry.SessionID,
			"trace_id":        entry.TraceID,
			"sequence_number": entry.SequenceNumber,
			"artifact_digest": entry.ArtifactDigest,
			"args_digest":     argsDigest,
		}})
		return
	}

	if req.SessionID == "" || req.PrincipalID == "" {
		writeError(c, http.StatusBadRequest, "INVALID_ARGUMENTS", "either capability_jws or session_id+principal_id is required")
		return
	}
	descriptor, err := h.runtime.AuthorizeWarmPath(c.Request.Context(), req.SessionID, req.PrincipalID, req.ToolServer, req.ToolName, req.Args)
	if err != nil {
		status, code := coarsenAuthError(err)
		writeError(c, status, code, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"tool_call": gin.H{
		"tool_call_id": descriptor.ToolCallID,
		"session_id":   descriptor.SessionID,
		"trace_id":     descriptor.TraceID,
		"args_digest":  argsDigest,
	}})
}

type logRequest struct {
	TraceID         string          `json:"trace_id"`
	Key             string          `json:"key"`
	ArtifactType    string          `json:"artifact_type"`
	ArtifactData    json.RawMessage `json:"artifact_data"`
	PrevEntryDigest string          `json:"prev_entry_digest"`
}

func (h *gatewayHandlers) log(c *gin.Context) {
	var req logRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "LOGGING_FAILED", err.Error())
		return
	}
	if req.ArtifactType != string(model.ArtifactToolEffect) {
		writeError(c, http.StatusNotImplemented, "NOT_IMPLEMENTED",
			"governance_log only accepts artifact_type=tool_effect")
		return
	}

	var effect runtime.ToolEffect
	if err := json.Unmarshal(req.ArtifactData, &effect); err != nil {
		writeError(c, http.StatusBadRequest, "LOGGING_FAILED", "artifact_data is not a valid tool_effect body")
		return
	}
	if effect.ToolEffectID == "" {
		effect.ToolEffectID = req.Key
	}

	entry, err := h.runtime.RecordToolEffect(c.Request.Context(), req.TraceID, effect)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "LOGGING_FAILED", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"entry": gin.H{
		"schema_version":    entry.SchemaVersion,
		"trace_id":          entry.TraceID,
		"sequence_number":   entry.SequenceNumber,
		"entry_digest":      entry.EntryDigest,
		"prev_entry_digest": entry.PrevEntryDigest,
		"artifact_type":     entry.ArtifactType,
		"ts":                entry.Timestamp,
	}})
}

type recoverRequest struct {
	TraceID string `json:"trace_id"`
}

func (h *gatewayHandlers) recover(c *gin.Context) {
	var req recoverRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "RECOVERY_FAILED", err.Error())
		return
	}

	result, err := h.runtime.Recover(c.Request.Context(), req.TraceID)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "RECOVERY_FAILED", err.Error())
		return
	}

	recommendedAction := "NONE"
	if result.ReDispatched {
		recommendedAction = "REDISPATCH_TOOL_CALL"
	}

	c.JSON(http.StatusOK, gin.H{
		"chain_valid":          true,
		"divergence_point":     nil,
		"latest_entry_digest":  result.LatestEntryDigest,
		"entry_count":          result.RecoveredFromSeq,
		"last_seq":             result.RecoveredFromSeq,
		"recommended_action":   recommendedAction,
		"missing_seq_ranges":   []any{},
	})
}
