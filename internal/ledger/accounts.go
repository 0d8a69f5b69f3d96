// Package ledger is the append-only wallet ledger. Balances are always derived
// by replaying entries; the optional cache is invalidated on every posting.
package ledger

import "strings"

const (
	loyaltyPrefix  = "loyalty:"
	providerPrefix = "provider:"
)

// LoyaltyAccount is the points account of a buyer. One point is one minor unit.
func LoyaltyAccount(buyerID string) string {
	return loyaltyPrefix + buyerID
}

// ProviderAccount holds a provider's earnings and withdrawals.
func ProviderAccount(providerAccountID string) string {
	return providerPrefix + providerAccountID
}

func IsProviderAccount(accountID string) bool {
	return strings.HasPrefix(accountID, providerPrefix) && len(accountID) > len(providerPrefix)
}
