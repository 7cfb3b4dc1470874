package api

import (
	"log"
	"net/http"
	"regexp"

	"github.com/gorilla/mux"

	"github.com/purchase-relay/internal/service"
)

// orderIDPattern guards the status endpoint against arbitrary store lookups.
var orderIDPattern = regexp.MustCompile(`^MEMO_\d{8}_[A-Z0-9]{8}$`)

// handleCreateOrder handles POST /first-purchase/create
func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req service.CreateOrderRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_INPUT", "Invalid request body", nil)
		return
	}
	req.ClientIP = clientIP(r)

	result, err := s.orderService.CreateOrder(r.Context(), &req)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, result)
}

// handlePaymentNotify handles POST /first-purchase/notify. The gateway expects
// a literal text body: "success" stops redelivery, anything else retries.
func (s *Server) handlePaymentNotify(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeNotifyResult(w, false)
		return
	}

	params := make(map[string]string, len(r.Form))
	for key := range r.Form {
		params[key] = r.Form.Get(key)
	}

	if err := s.orderService.HandlePaymentCallback(r.Context(), params); err != nil {
		log.Printf("Payment callback rejected: %v", err)
		writeNotifyResult(w, false)
		return
	}
	writeNotifyResult(w, true)
}

func writeNotifyResult(w http.ResponseWriter, ok bool) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if ok {
		w.Write([]byte("success"))
		return
	}
	w.Write([]byte("fail"))
}

// handleOrderStatus handles GET /first-purchase/status/{orderId}
func (s *Server) handleOrderStatus(w http.ResponseWriter, r *http.Request) {
	orderID := mux.Vars(r)["orderId"]
	if !orderIDPattern.MatchString(orderID) {
		respondError(w, http.StatusBadRequest, "INVALID_INPUT", "Invalid order id", nil)
		return
	}

	view, err := s.orderService.GetOrderStatus(r.Context(), orderID)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, view)
}

// handleCheckPurchased handles GET /first-purchase/check/{walletAddress}
func (s *Server) handleCheckPurchased(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["walletAddress"]
	if address == "" {
		respondError(w, http.StatusBadRequest, "INVALID_INPUT", "Wallet address is required", nil)
		return
	}

	purchased, err := s.orderService.HasPurchased(r.Context(), address)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"walletAddress": address,
		"purchased":     purchased,
	})
}
