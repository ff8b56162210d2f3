package api

import (
	"context"
	"net/http"

	"github.com/go-faster/errors"
	"go.uber.org/zap"
)

type Server struct {
	logger     *zap.Logger
	httpServer *http.Server
}

type httpMiddleware func(http.Handler) http.Handler

type ServerOptions struct {
	httpMiddleware []httpMiddleware
}

type ServerOption func(options *ServerOptions)

func WithHttpMiddleware(m ...httpMiddleware) ServerOption {
	return func(options *ServerOptions) {
		options.httpMiddleware = m
	}
}

func NewServer(log *zap.Logger, handler *Handler, address string, opts ...ServerOption) (*Server, error) {
	options := &ServerOptions{}
	for _, o := range opts {
		o(options)
	}

	mux := http.NewServeMux()
	registerRoutes(mux, handler)

	var root http.Handler = mux
	for i := len(options.httpMiddleware) - 1; i >= 0; i-- {
		root = options.httpMiddleware[i](root)
	}

	serv := Server{
		logger: log,
		httpServer: &http.Server{
			Addr:    address,
			Handler: root,
		},
	}
	return &serv, nil
}

func registerRoutes(mux *http.ServeMux, handler *Handler) {
	mux.HandleFunc("GET /v1/tokens", handler.GetTokens)
	mux.HandleFunc("POST /v1/tokens", handler.AddToken)
	mux.HandleFunc("GET /v1/tokens/{symbol}", handler.GetToken)
	mux.HandleFunc("PATCH /v1/tokens/{symbol}", handler.UpdateToken)
	mux.HandleFunc("PUT /v1/tokens/{symbol}/feed", handler.SetPriceFeed)
	mux.HandleFunc("GET /v1/tokens/{symbol}/price", handler.GetTokenPriceFeed)
	mux.HandleFunc("PUT /v1/tokens/{symbol}/price", handler.UpdatePrice)
	mux.HandleFunc("GET /v1/convert", handler.ConvertAmount)

	mux.HandleFunc("POST /v1/payments", handler.ProcessPayment)
	mux.HandleFunc("POST /v1/payments/batch", handler.ProcessBatchPayment)
	mux.HandleFunc("GET /v1/payments/{id}", handler.VerifyPayment)
	mux.HandleFunc("PUT /v1/fees", handler.UpdatePlatformFee)
	mux.HandleFunc("PUT /v1/fees/collector", handler.UpdateFeeCollector)

	mux.HandleFunc("POST /v1/subscriptions", handler.CreateSubscription)
	mux.HandleFunc("GET /v1/subscriptions", handler.GetSubscriptions)
	mux.HandleFunc("GET /v1/subscriptions/{id}", handler.GetSubscription)
	mux.HandleFunc("PATCH /v1/subscriptions/{id}", handler.UpdateSubscription)
	mux.HandleFunc("DELETE /v1/subscriptions/{id}", handler.CancelSubscription)
	mux.HandleFunc("POST /v1/subscriptions/{id}/execute", handler.ExecuteSubscription)
	mux.HandleFunc("GET /v1/subscriptions/{id}/due", handler.GetSubscriptionDue)

	mux.HandleFunc("POST /v1/documents", handler.RegisterDocument)
	mux.HandleFunc("GET /v1/documents", handler.GetDocuments)
	mux.HandleFunc("POST /v1/documents/batch", handler.BatchRegisterDocuments)
	mux.HandleFunc("GET /v1/documents/{hash}", handler.VerifyDocument)
	mux.HandleFunc("POST /v1/documents/{hash}/revoke", handler.RevokeDocument)

	mux.HandleFunc("GET /v1/accounts/{address}/balance", handler.GetBalance)
	mux.HandleFunc("POST /v1/deposits", handler.Deposit)
	mux.HandleFunc("POST /v1/approvals", handler.Approve)

	mux.HandleFunc("GET /v1/events/stream", handler.StreamAuditEvents)
}

func (s *Server) Run() {
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		s.logger.Info("server quit")
		return
	}
	s.logger.Fatal("ListenAndServe() failed", zap.Error(err))
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
