package api

import (
	"database/sql"
	"errors"
	"net/http"
	"net/mail"
	"strings"

	"github.com/triage-ai/accesswatch/internal/store"
	"go.uber.org/zap"
)

func (d *Dependencies) handleCreateOperator(w http.ResponseWriter, r *http.Request) {
	var req CreateOperatorReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" || len(req.Name) > 255 {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "name must be 1-255 characters"})
		return
	}
	if _, err := mail.ParseAddress(req.Email); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "email must be a valid address"})
		return
	}
	if req.Role == "" {
		req.Role = store.RoleMonitor
	}
	if !store.ValidRole(req.Role) {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "role must be 'admin' or 'monitor'"})
		return
	}

	op, plainKey, err := d.Operators.CreateOperator(r.Context(), req.Name, req.Email, req.Role)
	if err != nil {
		d.Logger.Error("failed to create operator", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to create operator"})
		return
	}
	writeJSON(w, http.StatusCreated, CreateOperatorResp{OperatorResp: operatorToResp(op), APIKey: plainKey})
}

func (d *Dependencies) handleListOperators(w http.ResponseWriter, r *http.Request) {
	ops, err := d.Operators.ListOperators(r.Context())
	if err != nil {
		d.Logger.Error("failed to list operators", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to list operators"})
		return
	}
	resp := make([]OperatorResp, 0, len(ops))
	for _, op := range ops {
		resp = append(resp, operatorToResp(op))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (d *Dependencies) handleGetOperator(w http.ResponseWriter, r *http.Request) {
	op, err := d.Operators.GetOperator(r.Context(), r.PathValue("id"))
	if err != nil {
		d.Logger.Error("failed to get operator", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to get operator"})
		return
	}
	if op == nil {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "Operator not found."})
		return
	}
	writeJSON(w, http.StatusOK, operatorToResp(op))
}

func (d *Dependencies) handleUpdateOperator(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req UpdateOperatorReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	if req.Name != nil && (len(*req.Name) == 0 || len(*req.Name) > 255) {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "name must be 1-255 characters"})
		return
	}
	if req.Email != nil {
		if _, err := mail.ParseAddress(*req.Email); err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "email must be a valid address"})
			return
		}
	}
	if req.Role != nil && !store.ValidRole(*req.Role) {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "role must be 'admin' or 'monitor'"})
		return
	}

	op, err := d.Operators.UpdateOperator(r.Context(), id, store.UpdateOperatorParams{
		Name:  req.Name,
		Email: req.Email,
		Role:  req.Role,
	})
	if err != nil {
		d.Logger.Error("failed to update operator", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to update operator"})
		return
	}
	if op == nil {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "Operator not found."})
		return
	}
	if req.Role != nil {
		d.revoke(id)
	}
	writeJSON(w, http.StatusOK, operatorToResp(op))
}

func (d *Dependencies) handleDeleteOperator(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := d.Operators.DeleteOperator(r.Context(), id)
	if errors.Is(err, sql.ErrNoRows) {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "Operator not found."})
		return
	}
	if err != nil {
		d.Logger.Error("failed to delete operator", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to delete operator"})
		return
	}
	d.revoke(id)
	w.WriteHeader(http.StatusNoContent)
}

func (d *Dependencies) handleRotateKey(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	op, plainKey, err := d.Operators.RotateAPIKey(r.Context(), id)
	if errors.Is(err, sql.ErrNoRows) {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "Operator not found."})
		return
	}
	if err != nil {
		d.Logger.Error("failed to rotate key", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to rotate API key"})
		return
	}
	d.revoke(id)
	writeJSON(w, http.StatusOK, RotateKeyResp{
		APIKey:       plainKey,
		APIKeyPrefix: op.APIKeyPrefix,
	})
}

func (d *Dependencies) revoke(operatorID string) {
	if d.Revoker != nil {
		d.Revoker.Forget(operatorID)
	}
}

func operatorToResp(op *store.Operator) OperatorResp {
	return OperatorResp{
		ID:           op.ID,
		Name:         op.Name,
		Email:        op.Email,
		Role:         op.Role,
		APIKeyPrefix: op.APIKeyPrefix,
		CreatedAt:    op.CreatedAt,
		UpdatedAt:    op.UpdatedAt,
	}
}
