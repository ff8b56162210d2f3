// Package api exposes the settlement engine over HTTP. Every
// state-changing route reads the acting principal from the
// X-Swish-Caller header and maps the engine's error kinds onto HTTP
// status codes, so the transport stays a thin shell around the engine
// packages.
package api

import (
	"encoding/json"
	"math/big"
	"net/http"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/Ernesto-tha-great/swish/pkg/auth"
	"github.com/Ernesto-tha-great/swish/pkg/core"
	"github.com/Ernesto-tha-great/swish/pkg/docregistry"
	"github.com/Ernesto-tha-great/swish/pkg/events"
	"github.com/Ernesto-tha-great/swish/pkg/ledger"
	"github.com/Ernesto-tha-great/swish/pkg/processor"
	"github.com/Ernesto-tha-great/swish/pkg/registry"
	"github.com/Ernesto-tha-great/swish/pkg/scheduler"
)

// CallerHeader carries the acting principal of a request.
const CallerHeader = "X-Swish-Caller"

type Handler struct {
	logger     *zap.Logger
	auth       *auth.Authorizer
	registry   *registry.Registry
	processor  *processor.Processor
	scheduler  *scheduler.Scheduler
	documents  *docregistry.Registry
	ledger     *ledger.Ledger
	dispatcher *events.Dispatcher
	limits     Limits
}

type Options struct {
	limits Limits
}

type Option func(o *Options)

func WithLimits(limits Limits) Option {
	return func(o *Options) {
		o.limits = limits
	}
}

func NewHandler(logger *zap.Logger, authorizer *auth.Authorizer, reg *registry.Registry, proc *processor.Processor, sched *scheduler.Scheduler, docs *docregistry.Registry, book *ledger.Ledger, dispatcher *events.Dispatcher, opts ...Option) *Handler {
	options := &Options{}
	for _, o := range opts {
		o(options)
	}
	return &Handler{
		logger:     logger,
		auth:       authorizer,
		registry:   reg,
		processor:  proc,
		scheduler:  sched,
		documents:  docs,
		ledger:     book,
		dispatcher: dispatcher,
		limits:     options.limits,
	}
}

type errorJSON struct {
	Error string `json:"error"`
}

// statusOf maps an engine error to its HTTP status.
func statusOf(err error) int {
	switch {
	case errors.Is(err, core.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrAuthorization):
		return http.StatusForbidden
	case errors.Is(err, core.ErrStateConflict):
		return http.StatusConflict
	case errors.Is(err, core.ErrTransfer):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorJSON{Error: err.Error()})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("json.Encode() failed", zap.Error(err))
	}
}

// deposit bridges external value into the ledger. Admin-gated and only
// for registered tokens.
func (h *Handler) deposit(principal core.Address, token string, to core.Address, amount *big.Int) error {
	if err := h.auth.RequireCapability(principal, auth.CapabilityAdmin); err != nil {
		return err
	}
	if _, err := h.registry.GetTokenInfo(token); err != nil {
		return err
	}
	return h.ledger.Deposit(token, to, amount)
}

// caller extracts the acting principal from the request headers.
func caller(r *http.Request) (core.Address, error) {
	raw := r.Header.Get(CallerHeader)
	if raw == "" {
		return core.Address{}, core.Authorizationf("missing %s header", CallerHeader)
	}
	address, err := core.ParseAddress(raw)
	if err != nil {
		return core.Address{}, core.Authorizationf("invalid %s header: %v", CallerHeader, err)
	}
	return address, nil
}

func decodeBody(r *http.Request, into interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return core.Validationf("invalid request body: %v", err)
	}
	return nil
}

// bigAmount parses a decimal string into a big integer amount.
func bigAmount(s string) (*big.Int, error) {
	if s == "" {
		return nil, core.Validationf("empty amount")
	}
	amount, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, core.Validationf("invalid amount %q", s)
	}
	return amount, nil
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
