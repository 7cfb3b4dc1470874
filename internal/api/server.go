// Package api provides the HTTP API server implementation.
package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/purchase-relay/internal/service"
)

// OrderServiceInterface defines the interface for first-purchase order operations
type OrderServiceInterface interface {
	CreateOrder(ctx context.Context, req *service.CreateOrderRequest) (*service.CreateOrderResult, error)
	HandlePaymentCallback(ctx context.Context, params map[string]string) error
	GetOrderStatus(ctx context.Context, orderID string) (*service.OrderStatusView, error)
	HasPurchased(ctx context.Context, address string) (bool, error)
	PendingOrders(ctx context.Context) ([]service.OCWPendingOrder, error)
	MarkProcessed(ctx context.Context, orderID, blockHash string) error
	PendingOrderCount(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
}

// Server represents the HTTP API server.
type Server struct {
	router       *mux.Router
	httpServer   *http.Server
	orderService OrderServiceInterface
	config       *ServerConfig
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	RateLimitRPS    int
	RateLimitBurst  int
}

// NewServer creates a new API server instance.
func NewServer(config *ServerConfig, orderService OrderServiceInterface) *Server {
	s := &Server{
		router:       mux.NewRouter(),
		orderService: orderService,
		config:       config,
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	rateLimiter := NewRateLimiter(s.config.RateLimitRPS, s.config.RateLimitBurst)

	// Set up middleware (order matters!)
	s.router.Use(LoggingMiddleware)
	s.router.Use(RecoveryMiddleware)
	s.router.Use(CORSMiddleware)

	s.setupRoutes(rateLimiter)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes(rateLimiter *RateLimiter) {
	// Client-facing first-purchase endpoints, rate limited per IP
	fp := s.router.PathPrefix("/first-purchase").Subrouter()
	fp.Use(RateLimitMiddleware(rateLimiter))
	fp.HandleFunc("/create", s.handleCreateOrder).Methods("POST")
	fp.HandleFunc("/status/{orderId}", s.handleOrderStatus).Methods("GET")
	fp.HandleFunc("/check/{walletAddress}", s.handleCheckPurchased).Methods("GET")
	fp.HandleFunc("/health", s.handleHealth).Methods("GET")

	// Gateway webhook: no rate limiting, plain-text response contract
	s.router.HandleFunc("/first-purchase/notify", s.handlePaymentNotify).Methods("POST")

	// Off-chain worker surface
	ocw := s.router.PathPrefix("/ocw").Subrouter()
	ocw.HandleFunc("/pending-orders", s.handlePendingOrders).Methods("GET")
	ocw.HandleFunc("/mark-processed", s.handleMarkProcessed).Methods("POST")
	ocw.HandleFunc("/health", s.handleOCWHealth).Methods("GET")
}

// handleHealth handles liveness checks on the client surface.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "purchase-relay",
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	log.Printf("Starting API server on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("Shutting down API server...")
	return s.httpServer.Shutdown(ctx)
}

// Router exposes the handler tree for tests.
func (s *Server) Router() http.Handler {
	return s.router
}
