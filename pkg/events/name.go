package events

// Name identifies the kind of an audit event. The upstream invoicing and
// payroll layer keys its reconciliation on these names.
type Name string

const (
	TokenAdded           Name = "token-added"
	TokenUpdated         Name = "token-updated"
	PriceFeedSet         Name = "price-feed-set"
	PriceUpdated         Name = "price-updated"
	PaymentCompleted     Name = "payment-completed"
	FeeUpdated           Name = "fee-updated"
	FeeCollectorUpdated  Name = "fee-collector-updated"
	SubscriptionCreated  Name = "subscription-created"
	SubscriptionExecuted Name = "subscription-executed"
	SubscriptionUpdated  Name = "subscription-updated"
	SubscriptionCanceled Name = "subscription-cancelled"
	DocumentRegistered   Name = "document-registered"
	DocumentRevoked      Name = "document-revoked"
)

func (n Name) String() string {
	return string(n)
}
