package api

import (
	"net/http"
)

// handlePendingOrders handles GET /ocw/pending-orders. Amounts are in planck.
func (s *Server) handlePendingOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.orderService.PendingOrders(r.Context())
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"orders": orders,
		"count":  len(orders),
	})
}

// markProcessedRequest is the OCW settlement acknowledgement.
type markProcessedRequest struct {
	OrderID   string `json:"order_id"`
	BlockHash string `json:"block_hash"`
}

// handleMarkProcessed handles POST /ocw/mark-processed. Acknowledging an
// already-settled or unknown order is a success, so the worker can retry
// acks freely.
func (s *Server) handleMarkProcessed(w http.ResponseWriter, r *http.Request) {
	var req markProcessedRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_INPUT", "Invalid request body", nil)
		return
	}
	if req.OrderID == "" {
		respondError(w, http.StatusBadRequest, "INVALID_INPUT", "order_id is required", nil)
		return
	}

	if err := s.orderService.MarkProcessed(r.Context(), req.OrderID, req.BlockHash); err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleOCWHealth handles GET /ocw/health: store reachability plus the live
// projection size.
func (s *Server) handleOCWHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.orderService.Ping(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "Store ping failed", nil)
		return
	}

	count, err := s.orderService.PendingOrderCount(r.Context())
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":        "healthy",
		"pendingOrders": count,
	})
}
