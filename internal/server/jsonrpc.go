package server

import (
	"bytes"
	"encoding/json"
	"net/http"

	apperrors "github.com/copyleftdev/paramtune/internal/errors"
	"github.com/copyleftdev/paramtune/internal/runner"
)

// JSON-RPC 2.0 error codes.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServerError    = -32000
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type idParams struct {
	ID string `json:"optimization_id"`
}

// handleJSONRPC handles JSON-RPC 2.0 requests for the methods
// optimization.start, optimization.status and optimization.cancel.
func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	var request rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		s.respondWithError(w, nil, codeParseError, "Parse error", nil)
		return
	}
	if request.JSONRPC != "2.0" || request.Method == "" {
		s.respondWithError(w, request.ID, codeInvalidRequest, "Invalid Request", nil)
		return
	}

	var result interface{}
	var err error

	switch request.Method {
	case "optimization.start":
		var spec runner.JobSpec
		if err = decodeParams(request.Params, &spec); err != nil {
			break
		}
		var state *JobState
		if state, err = s.start(spec); err == nil {
			result = StartResponse{ID: state.ID, Status: StatusPending}
		}
	case "optimization.status":
		var p idParams
		if err = decodeParams(request.Params, &p); err != nil {
			break
		}
		result, err = s.status(p.ID, true)
	case "optimization.cancel":
		var p idParams
		if err = decodeParams(request.Params, &p); err != nil {
			break
		}
		if _, err = s.cancelJob(p.ID); err == nil {
			result = map[string]string{"optimization_id": p.ID, "status": "cancellation requested"}
		}
	default:
		s.respondWithError(w, request.ID, codeMethodNotFound, "Method not found", nil)
		return
	}

	if err != nil {
		code := codeServerError
		if apperrors.HTTPStatus(err) == http.StatusBadRequest {
			code = codeInvalidParams
		}
		s.respondWithError(w, request.ID, code, err.Error(), map[string]int{"status": apperrors.HTTPStatus(err)})
		return
	}

	writeJSON(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: request.ID, Result: result})
}

// decodeParams accepts params as an object or as an array holding one object.
func decodeParams(raw json.RawMessage, v interface{}) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return apperrors.Wrap(apperrors.ErrInvalidRequest, "missing required parameters")
	}
	if raw[0] == '[' {
		var list []json.RawMessage
		if err := json.Unmarshal(raw, &list); err != nil || len(list) != 1 {
			return apperrors.Wrap(apperrors.ErrInvalidRequest, "params must be an object or an array holding one object")
		}
		raw = list[0]
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return apperrors.Wrap(apperrors.ErrInvalidRequest, err.Error())
	}
	return nil
}

// respondWithError sends a JSON-RPC 2.0 error response
func (s *Server) respondWithError(w http.ResponseWriter, id json.RawMessage, code int, message string, data interface{}) {
	s.logger.Warn("rpc error", map[string]interface{}{
		"code":    code,
		"message": message,
	})
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	writeJSON(w, http.StatusOK, rpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &rpcError{Code: code, Message: message, Data: data},
	})
}
