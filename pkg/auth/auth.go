// Package auth holds the capability grants of the engine and verifies
// signature-based payment authorization.
package auth

import (
	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/Ernesto-tha-great/swish/pkg/core"
	"github.com/Ernesto-tha-great/swish/pkg/keystore"
)

type Capability string

const (
	CapabilityAdmin           Capability = "admin"
	CapabilityPaymentManager  Capability = "payment-manager"
	CapabilityPriceFeeder     Capability = "price-feeder"
	CapabilityDocumentManager Capability = "document-manager"
)

var capabilities = map[Capability]struct{}{
	CapabilityAdmin:           {},
	CapabilityPaymentManager:  {},
	CapabilityPriceFeeder:     {},
	CapabilityDocumentManager: {},
}

type grantSet map[Capability]struct{}

// Authorizer maps principals to their granted capability sets.
// Each operation of the engine checks its entry guard against it.
type Authorizer struct {
	logger *zap.Logger
	grants *keystore.Store[grantSet]
}

// NewAuthorizer creates an authorizer with root holding the admin capability.
func NewAuthorizer(logger *zap.Logger, root core.Address) *Authorizer {
	a := &Authorizer{
		logger: logger,
		grants: keystore.New[grantSet]("capability_grants"),
	}
	a.grants.Insert(root.Hex(), grantSet{CapabilityAdmin: {}})
	return a
}

// Grant gives principal a capability. Only admins may grant.
func (a *Authorizer) Grant(caller, principal core.Address, capability Capability) error {
	if _, ok := capabilities[capability]; !ok {
		return core.Validationf("unknown capability %q", capability)
	}
	if principal.IsZero() {
		return core.Validationf("grant to zero address")
	}
	if err := a.RequireCapability(caller, CapabilityAdmin); err != nil {
		return err
	}
	key := principal.Hex()
	if a.grants.Insert(key, grantSet{capability: {}}) {
		a.logger.Info("capability granted",
			zap.String("principal", key),
			zap.String("capability", string(capability)))
		return nil
	}
	_, err := a.grants.Update(key, func(set grantSet) (grantSet, error) {
		updated := grantSet{capability: {}}
		for c := range set {
			updated[c] = struct{}{}
		}
		return updated, nil
	})
	if err != nil {
		return err
	}
	a.logger.Info("capability granted",
		zap.String("principal", key),
		zap.String("capability", string(capability)))
	return nil
}

// Revoke removes a capability from principal. Only admins may revoke.
func (a *Authorizer) Revoke(caller, principal core.Address, capability Capability) error {
	if err := a.RequireCapability(caller, CapabilityAdmin); err != nil {
		return err
	}
	_, err := a.grants.Update(principal.Hex(), func(set grantSet) (grantSet, error) {
		updated := grantSet{}
		for c := range set {
			if c != capability {
				updated[c] = struct{}{}
			}
		}
		return updated, nil
	})
	if err != nil && errors.Is(err, keystore.ErrKeyNotFound) {
		return nil
	}
	return err
}

func (a *Authorizer) HasCapability(principal core.Address, capability Capability) bool {
	set, ok := a.grants.Get(principal.Hex())
	if !ok {
		return false
	}
	_, granted := set[capability]
	return granted
}

func (a *Authorizer) RequireCapability(principal core.Address, capability Capability) error {
	if !a.HasCapability(principal, capability) {
		return core.Authorizationf("%s does not hold the %s capability", principal.Hex(), capability)
	}
	return nil
}
