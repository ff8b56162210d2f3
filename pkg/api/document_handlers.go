package api

import (
	"net/http"
	"time"

	"github.com/Ernesto-tha-great/swish/pkg/core"
)

type documentJSON struct {
	Hash         string    `json:"hash"`
	Registrant   string    `json:"registrant"`
	RegisteredAt time.Time `json:"registered_at"`
	Type         string    `json:"type"`
	Reference    string    `json:"reference,omitempty"`
	Revoked      bool      `json:"revoked"`
	RevokeReason string    `json:"revoke_reason,omitempty"`
}

func convertDocument(d core.Document) documentJSON {
	return documentJSON{
		Hash:         d.Hash.Hex(),
		Registrant:   d.Registrant.Hex(),
		RegisteredAt: d.RegisteredAt,
		Type:         d.Type.String(),
		Reference:    d.Reference,
		Revoked:      d.Revoked,
		RevokeReason: d.RevokeReason,
	}
}

type registerDocumentRequest struct {
	Hash      string `json:"hash"`
	Type      string `json:"type"`
	Reference string `json:"reference,omitempty"`
}

func (h *Handler) RegisterDocument(w http.ResponseWriter, r *http.Request) {
	principal, err := caller(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	var req registerDocumentRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	hash, err := core.ParseHash(req.Hash)
	if err != nil {
		h.writeError(w, core.Validationf("invalid document hash: %v", err))
		return
	}
	docType, err := core.ParseDocumentType(req.Type)
	if err != nil {
		h.writeError(w, err)
		return
	}
	doc, err := h.documents.RegisterDocument(r.Context(), principal, hash, docType, req.Reference)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, convertDocument(doc))
}

type batchRegisterDocumentsRequest struct {
	Hashes     []string `json:"hashes"`
	Types      []string `json:"types"`
	References []string `json:"references"`
}

func (h *Handler) BatchRegisterDocuments(w http.ResponseWriter, r *http.Request) {
	principal, err := caller(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	var req batchRegisterDocumentsRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	if !h.limits.isBulkQuantityAllowed(len(req.Hashes)) {
		h.writeError(w, core.Validationf("batch of %d documents exceeds the limit of %d", len(req.Hashes), h.limits.BulkLimits))
		return
	}
	hashes := make([]core.Hash, len(req.Hashes))
	for i, raw := range req.Hashes {
		if hashes[i], err = core.ParseHash(raw); err != nil {
			h.writeError(w, core.Validationf("invalid document hash %q: %v", raw, err))
			return
		}
	}
	types := make([]core.DocumentType, len(req.Types))
	for i, raw := range req.Types {
		if types[i], err = core.ParseDocumentType(raw); err != nil {
			h.writeError(w, err)
			return
		}
	}
	docs, err := h.documents.BatchRegisterDocuments(r.Context(), principal, hashes, types, req.References)
	if err != nil {
		h.writeError(w, err)
		return
	}
	list := make([]documentJSON, 0, len(docs))
	for _, doc := range docs {
		list = append(list, convertDocument(doc))
	}
	h.writeJSON(w, http.StatusCreated, map[string][]documentJSON{"documents": list})
}

type verifyDocumentResponse struct {
	Exists   bool          `json:"exists"`
	Valid    bool          `json:"valid"`
	Document *documentJSON `json:"document,omitempty"`
}

func (h *Handler) VerifyDocument(w http.ResponseWriter, r *http.Request) {
	hash, err := core.ParseHash(r.PathValue("hash"))
	if err != nil {
		h.writeError(w, core.Validationf("invalid document hash: %v", err))
		return
	}
	exists, valid, doc := h.documents.VerifyDocument(hash)
	resp := verifyDocumentResponse{Exists: exists, Valid: valid}
	if exists {
		converted := convertDocument(doc)
		resp.Document = &converted
	}
	h.writeJSON(w, http.StatusOK, resp)
}

type revokeDocumentRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) RevokeDocument(w http.ResponseWriter, r *http.Request) {
	principal, err := caller(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	hash, err := core.ParseHash(r.PathValue("hash"))
	if err != nil {
		h.writeError(w, core.Validationf("invalid document hash: %v", err))
		return
	}
	var req revokeDocumentRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	doc, err := h.documents.RevokeDocument(r.Context(), principal, hash, req.Reason)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, convertDocument(doc))
}

// GetDocuments lists the documents a registrant notarized.
func (h *Handler) GetDocuments(w http.ResponseWriter, r *http.Request) {
	registrant, err := core.ParseAddress(r.URL.Query().Get("registrant"))
	if err != nil {
		h.writeError(w, core.Validationf("invalid registrant address: %v", err))
		return
	}
	docs := h.documents.DocumentsByRegistrant(registrant)
	list := make([]documentJSON, 0, len(docs))
	for _, doc := range docs {
		list = append(list, convertDocument(doc))
	}
	h.writeJSON(w, http.StatusOK, map[string][]documentJSON{"documents": list})
}
