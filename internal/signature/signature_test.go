package signature

import (
	"crypto/md5"
	"encoding/hex"
	"strings"
	"testing"
)

const testSecret = "s3cr3t"

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestSignConcatenatesValuesInOrder(t *testing.T) {
	got := Sign([]Field{F("amount", "14.0"), F("orderId", "order123")}, testSecret)
	want := md5Hex("14.0order123" + testSecret)
	if got != want {
		t.Errorf("got %s, want %s", got, want)
	}

	swapped := Sign([]Field{F("orderId", "order123"), F("amount", "14.0")}, testSecret)
	if swapped == got {
		t.Error("field order must change the signature")
	}
}

func TestSignSkipsEmptyValues(t *testing.T) {
	got := Sign([]Field{F("amount", "10"), F("payer_id", ""), F("order_id", "o-1")}, testSecret)
	want := md5Hex("10o-1" + testSecret)
	if got != want {
		t.Errorf("got %s, want %s", got, want)
	}
	if strings.ToLower(got) != got {
		t.Error("signature must be lowercase hex")
	}
}

func TestVerifyCallbackRoundTrip(t *testing.T) {
	sign := Sign([]Field{F("amount", "14.0"), F("orderId", "order123")}, testSecret)
	if !VerifyCallback("14.0", "order123", testSecret, sign) {
		t.Fatal("expected signature to verify")
	}
	if !VerifyCallback("14.0", "order123", testSecret, strings.ToUpper(sign)) {
		t.Error("uppercase hex should verify")
	}

	for i := range sign {
		flipped := []byte(sign)
		if flipped[i] == 'a' {
			flipped[i] = 'b'
		} else {
			flipped[i] = 'a'
		}
		if VerifyCallback("14.0", "order123", testSecret, string(flipped)) {
			t.Fatalf("flipped character %d still verifies", i)
		}
	}
}

func TestVerifyCallbackRejectsOtherInputs(t *testing.T) {
	sign := Sign([]Field{F("amount", "14.0"), F("order_id", "order123")}, testSecret)
	tests := []struct {
		name    string
		amount  string
		orderID string
		secret  string
		sign    string
	}{
		{"amount changed", "14.00", "order123", testSecret, sign},
		{"order changed", "14.0", "order124", testSecret, sign},
		{"secret changed", "14.0", "order123", "other", sign},
		{"empty sign", "14.0", "order123", testSecret, ""},
		{"truncated sign", "14.0", "order123", testSecret, sign[:31]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if VerifyCallback(tt.amount, tt.orderID, tt.secret, tt.sign) {
				t.Error("expected verification to fail")
			}
		})
	}
}
