package commerce

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

const deliveryTokenLength = 32

// DeliveryToken derives the deterministic delivery-page token for an
// order. The token is a function of (order id, buyer email, UTC day
// bucket) hashed with the configured secret, so it can be recomputed on
// every replay without being stored.
func DeliveryToken(secret, orderID, email string, at time.Time) string {
	dayBucket := at.UTC().Format("2006-01-02")
	digest := sha256.Sum256([]byte(secret + orderID + "|" + email + "|" + dayBucket))
	return hex.EncodeToString(digest[:])[:deliveryTokenLength]
}
