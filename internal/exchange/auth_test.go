package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"perp-arb/internal/config"
	"perp-arb/pkg/types"
)

// Well-known throwaway key (address 0x7E5F4552091A69125d5DfCb7b8C2659029395Bdf).
const testPrivKey = "0000000000000000000000000000000000000000000000000000000000000001"

func TestVenueASignerHeaders(t *testing.T) {
	t.Parallel()

	secret := base64.URLEncoding.EncodeToString([]byte("test-secret"))
	s := NewVenueASigner(config.VenueCredentials{
		APIKey:     "key-1",
		APISecret:  secret,
		Passphrase: "pass-1",
	})
	if !s.Ready() {
		t.Fatal("signer with full triplet not Ready")
	}

	headers, err := s.Headers("POST", "/orders", `{"qty":"1"}`)
	if err != nil {
		t.Fatalf("Headers: %v", err)
	}
	for _, h := range []string{"X-API-KEY", "X-SIGNATURE", "X-TIMESTAMP", "X-PASSPHRASE"} {
		if headers[h] == "" {
			t.Errorf("missing header %s", h)
		}
	}

	// Recompute with the known timestamp and verify the signature matches.
	msg := headers["X-TIMESTAMP"] + "POST" + "/orders" + `{"qty":"1"}`
	mac := hmac.New(sha256.New, []byte("test-secret"))
	mac.Write([]byte(msg))
	want := base64.URLEncoding.EncodeToString(mac.Sum(nil))
	if headers["X-SIGNATURE"] != want {
		t.Errorf("signature = %s, want %s", headers["X-SIGNATURE"], want)
	}
}

func TestVenueASignerSecretVariants(t *testing.T) {
	t.Parallel()

	// Std-encoded secrets must decode too, not just URL-safe ones.
	secret := base64.StdEncoding.EncodeToString([]byte{0xfb, 0xef, 0x01, 0x02, 0x03})
	s := NewVenueASigner(config.VenueCredentials{
		APIKey: "k", APISecret: secret, Passphrase: "p",
	})
	if _, err := s.Headers("GET", "/positions", ""); err != nil {
		t.Errorf("Headers with std base64 secret: %v", err)
	}
}

func TestVenueBSignerSignOrder(t *testing.T) {
	t.Parallel()

	s, err := NewVenueBSigner(config.VenueCredentials{
		APIKey:           "key-b",
		PrivateKey:       testPrivKey,
		TradingAccountID: "acct-9",
	}, 1)
	if err != nil {
		t.Fatalf("NewVenueBSigner: %v", err)
	}
	if !s.Ready() {
		t.Fatal("signer with key not Ready")
	}
	if s.Address().Hex() != "0x7E5F4552091A69125d5DfCb7b8C2659029395Bdf" {
		t.Errorf("address = %s", s.Address().Hex())
	}

	req := types.OrderRequest{
		Market: "BTC_USDT_Perp",
		Side:   types.SELL,
		Type:   types.OrderTypeLimit,
		Qty:    decimal.RequireFromString("0.001"),
		Price:  decimal.RequireFromString("50000.5"),
	}
	sig, err := s.SignOrder(req, 42, time.Unix(1700000000, 0))
	if err != nil {
		t.Fatalf("SignOrder: %v", err)
	}
	if !strings.HasPrefix(sig, "0x") || len(sig) != 2+65*2 {
		t.Errorf("signature %q: want 0x-prefixed 65-byte hex", sig)
	}

	// Same input signs identically; a different nonce must not.
	sig2, err := s.SignOrder(req, 42, time.Unix(1700000000, 0))
	if err != nil {
		t.Fatal(err)
	}
	if sig != sig2 {
		t.Error("signature not deterministic for identical payloads")
	}
	sig3, err := s.SignOrder(req, 43, time.Unix(1700000000, 0))
	if err != nil {
		t.Fatal(err)
	}
	if sig == sig3 {
		t.Error("nonce change did not change the signature")
	}
}

func TestVenueBSignerWithoutKey(t *testing.T) {
	t.Parallel()

	s, err := NewVenueBSigner(config.VenueCredentials{APIKey: "k"}, 1)
	if err != nil {
		t.Fatalf("NewVenueBSigner: %v", err)
	}
	if s.Ready() {
		t.Error("keyless signer reported Ready")
	}
	if _, err := s.SignOrder(types.OrderRequest{}, 1, time.Now()); err == nil {
		t.Error("SignOrder without key should fail")
	}
}

func TestOrderScale(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want *big.Int
	}{
		{"0.001", big.NewInt(1_000_000)},
		{"50000.5", big.NewInt(50_000_500_000_000)},
		{"0", big.NewInt(0)},
	}
	for _, tt := range tests {
		if got := orderScale(decimal.RequireFromString(tt.in)); got.Cmp(tt.want) != 0 {
			t.Errorf("orderScale(%s) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
