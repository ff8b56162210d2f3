// Package docregistry notarizes document hashes. Registration is append
// only and revocation is one way: a revoked document stays on record with
// its reason, it never becomes valid again and its hash can never be
// registered a second time.
package docregistry

import (
	"context"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/Ernesto-tha-great/swish/pkg/auth"
	"github.com/Ernesto-tha-great/swish/pkg/core"
	"github.com/Ernesto-tha-great/swish/pkg/events"
	"github.com/Ernesto-tha-great/swish/pkg/keystore"
)

// MaxBatchSize bounds a single batch registration call.
const MaxBatchSize = 100

var documentsMetric = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "documents_registered_total",
		Help: "Number of registered documents per type",
	},
	[]string{"type"},
)

type Registry struct {
	logger     *zap.Logger
	auth       *auth.Authorizer
	dispatcher *events.Dispatcher
	now        func() time.Time

	docs *keystore.Store[core.Document]
}

type Option func(r *Registry)

// WithClock replaces the registry's time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

func New(logger *zap.Logger, authorizer *auth.Authorizer, dispatcher *events.Dispatcher, opts ...Option) *Registry {
	r := &Registry{
		logger:     logger,
		auth:       authorizer,
		dispatcher: dispatcher,
		now:        time.Now,
		docs:       keystore.New[core.Document]("documents"),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// RegisterDocument notarizes a document hash under the caller. A hash is
// registered at most once, ever, including hashes that were later revoked.
func (r *Registry) RegisterDocument(ctx context.Context, caller core.Address, hash core.Hash, docType core.DocumentType, reference string) (core.Document, error) {
	doc, err := r.buildDocument(caller, hash, docType, reference)
	if err != nil {
		return core.Document{}, err
	}
	if !r.docs.Insert(hash.Hex(), doc) {
		return core.Document{}, core.StateConflictf("document %s is already registered", hash.Hex())
	}
	documentsMetric.WithLabelValues(string(docType)).Inc()
	r.logger.Info("document registered",
		zap.String("hash", hash.Hex()),
		zap.String("registrant", caller.Hex()),
		zap.String("type", string(docType)))
	r.dispatcher.Dispatch(events.DocumentRegistered, doc)
	return doc, nil
}

// BatchRegisterDocuments notarizes a set of hashes under the caller in one
// call. A single invalid or already-registered hash fails the whole batch
// and rolls back every hash registered earlier in the call.
func (r *Registry) BatchRegisterDocuments(ctx context.Context, caller core.Address, hashes []core.Hash, docTypes []core.DocumentType, references []string) ([]core.Document, error) {
	if len(hashes) == 0 {
		return nil, core.Validationf("empty batch")
	}
	if len(hashes) > MaxBatchSize {
		return nil, core.Validationf("batch of %d documents exceeds maximum %d", len(hashes), MaxBatchSize)
	}
	if len(docTypes) != len(hashes) || len(references) != len(hashes) {
		return nil, core.Validationf("batch arrays have mismatched lengths: %d hashes, %d types, %d references",
			len(hashes), len(docTypes), len(references))
	}

	seen := make(map[core.Hash]struct{}, len(hashes))
	docs := make([]core.Document, 0, len(hashes))
	for i := range hashes {
		if _, dup := seen[hashes[i]]; dup {
			return nil, core.StateConflictf("document %s appears twice in the batch", hashes[i].Hex())
		}
		seen[hashes[i]] = struct{}{}
		doc, err := r.buildDocument(caller, hashes[i], docTypes[i], references[i])
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}

	staged := 0
	for i := range docs {
		if !r.docs.Insert(hashes[i].Hex(), docs[i]) {
			for j := 0; j < staged; j++ {
				r.docs.Delete(hashes[j].Hex())
			}
			return nil, core.StateConflictf("document %s is already registered", hashes[i].Hex())
		}
		staged++
	}

	for i := range docs {
		documentsMetric.WithLabelValues(string(docs[i].Type)).Inc()
		r.dispatcher.Dispatch(events.DocumentRegistered, docs[i])
	}
	r.logger.Info("batch registered",
		zap.String("registrant", caller.Hex()),
		zap.Int("documents", len(docs)))
	return docs, nil
}

// RevokeDocument marks a document invalid, permanently. Only the original
// registrant or a document-manager may revoke.
func (r *Registry) RevokeDocument(ctx context.Context, caller core.Address, hash core.Hash, reason string) (core.Document, error) {
	if reason == "" {
		return core.Document{}, core.Validationf("empty revocation reason")
	}
	doc, ok := r.docs.Get(hash.Hex())
	if !ok {
		return core.Document{}, core.StateConflictf("document %s is not registered", hash.Hex())
	}
	if caller != doc.Registrant && !r.auth.HasCapability(caller, auth.CapabilityDocumentManager) {
		return core.Document{}, core.Authorizationf("%s may not revoke document %s", caller.Hex(), hash.Hex())
	}
	revoked, err := r.docs.Update(hash.Hex(), func(current core.Document) (core.Document, error) {
		if current.Revoked {
			return current, core.StateConflictf("document %s is already revoked", hash.Hex())
		}
		current.Revoked = true
		current.RevokeReason = reason
		return current, nil
	})
	if err != nil {
		return core.Document{}, err
	}
	r.logger.Info("document revoked",
		zap.String("hash", hash.Hex()),
		zap.String("by", caller.Hex()),
		zap.String("reason", reason))
	r.dispatcher.Dispatch(events.DocumentRevoked, revoked)
	return revoked, nil
}

// VerifyDocument reports whether a hash is on record and whether it is
// still valid. The record is zero-valued when the hash is unknown.
func (r *Registry) VerifyDocument(hash core.Hash) (exists bool, valid bool, doc core.Document) {
	doc, exists = r.docs.Get(hash.Hex())
	return exists, exists && !doc.Revoked, doc
}

// GetDocumentDetails returns the full record of a registered hash.
func (r *Registry) GetDocumentDetails(hash core.Hash) (core.Document, error) {
	doc, ok := r.docs.Get(hash.Hex())
	if !ok {
		return core.Document{}, core.StateConflictf("document %s is not registered", hash.Hex())
	}
	return doc, nil
}

// DocumentsByRegistrant lists every document a registrant notarized,
// revoked ones included, ordered by registration time.
func (r *Registry) DocumentsByRegistrant(registrant core.Address) []core.Document {
	var docs []core.Document
	r.docs.Range(func(_ string, doc core.Document) bool {
		if doc.Registrant == registrant {
			docs = append(docs, doc)
		}
		return true
	})
	sortDocuments(docs)
	return docs
}

func (r *Registry) buildDocument(caller core.Address, hash core.Hash, docType core.DocumentType, reference string) (core.Document, error) {
	if hash.IsZero() {
		return core.Document{}, core.Validationf("zero document hash")
	}
	if !docType.Valid() {
		return core.Document{}, core.Validationf("unknown document type %q", docType)
	}
	return core.Document{
		Hash:         hash,
		Registrant:   caller,
		RegisteredAt: r.now().UTC(),
		Type:         docType,
		Reference:    reference,
	}, nil
}

func sortDocuments(docs []core.Document) {
	sort.Slice(docs, func(i, j int) bool {
		if docs[i].RegisteredAt.Equal(docs[j].RegisteredAt) {
			return docs[i].Hash.Hex() < docs[j].Hash.Hex()
		}
		return docs[i].RegisteredAt.Before(docs[j].RegisteredAt)
	})
}
