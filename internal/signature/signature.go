// Package signature implements the payment gateway's request and callback signatures.
// The gateway mandates MD5 over concatenated field values followed by the shop secret.
package signature

import (
	"crypto/md5"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// Field is one named value taking part in a signature. Only the value is hashed;
// the key exists so call sites read like the request they sign.
type Field struct {
	Key   string
	Value string
}

// F is shorthand for building a Field.
func F(key, value string) Field {
	return Field{Key: key, Value: value}
}

// Sign concatenates the non-empty field values in the given order, appends the secret
// and returns the lowercase hex MD5 digest.
func Sign(fields []Field, secret string) string {
	var b strings.Builder
	for _, f := range fields {
		if f.Value == "" {
			continue
		}
		b.WriteString(f.Value)
	}
	b.WriteString(secret)
	sum := md5.Sum([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// VerifyCallback checks the signature the gateway puts on payment callbacks:
// md5(amount + orderID + secret).
func VerifyCallback(amount, orderID, secret, given string) bool {
	expected := Sign([]Field{F("amount", amount), F("order_id", orderID)}, secret)
	given = strings.ToLower(strings.TrimSpace(given))
	return subtle.ConstantTimeCompare([]byte(expected), []byte(given)) == 1
}
