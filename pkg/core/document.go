package core

import "time"

type DocumentType string

const (
	DocumentTypeInvoice       DocumentType = "invoice"
	DocumentTypePayrollRecord DocumentType = "payroll-record"
	DocumentTypeContract      DocumentType = "contract"
	DocumentTypeReceipt       DocumentType = "receipt"
	DocumentTypeStatement     DocumentType = "statement"
	DocumentTypeOther         DocumentType = "other"
)

var documentTypes = map[DocumentType]struct{}{
	DocumentTypeInvoice:       {},
	DocumentTypePayrollRecord: {},
	DocumentTypeContract:      {},
	DocumentTypeReceipt:       {},
	DocumentTypeStatement:     {},
	DocumentTypeOther:         {},
}

func ParseDocumentType(s string) (DocumentType, error) {
	t := DocumentType(s)
	if _, ok := documentTypes[t]; !ok {
		return "", Validationf("unknown document type %q", s)
	}
	return t, nil
}

func (t DocumentType) String() string {
	return string(t)
}

func (t DocumentType) Valid() bool {
	_, ok := documentTypes[t]
	return ok
}

// Document is a notarized content fingerprint. Revoked transitions
// false to true exactly once and never back.
type Document struct {
	Hash         Hash         `json:"hash"`
	Registrant   Address      `json:"registrant"`
	RegisteredAt time.Time    `json:"registered_at"`
	Type         DocumentType `json:"type"`
	Reference    string       `json:"reference"`
	Revoked      bool         `json:"revoked"`
	RevokeReason string       `json:"revoke_reason,omitempty"`
}
