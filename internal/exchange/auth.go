// auth.go implements request signing for both venues.
//
// Venue A uses an API-key triplet: every REST call carries an HMAC-SHA256
// signature of "timestamp + method + path [+ body]" keyed by the base64
// API secret.
//
// Venue B signs order payloads as EIP-712 typed data with a secp256k1
// account key; non-order endpoints authenticate with a plain API-key header
// scoped to a trading account id.
package exchange

import (
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethmath "github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/shopspring/decimal"

	"perp-arb/internal/config"
	"perp-arb/pkg/types"
)

// VenueASigner produces the signed header set for venue A REST requests.
type VenueASigner struct {
	apiKey     string
	apiSecret  string
	passphrase string
}

// NewVenueASigner builds a signer from the configured credentials.
func NewVenueASigner(creds config.VenueCredentials) *VenueASigner {
	return &VenueASigner{
		apiKey:     creds.APIKey,
		apiSecret:  creds.APISecret,
		passphrase: creds.Passphrase,
	}
}

// Ready reports whether all credential fields are present.
func (s *VenueASigner) Ready() bool {
	return s.apiKey != "" && s.apiSecret != "" && s.passphrase != ""
}

// Headers signs one request. The signature covers
// "timestamp + method + path [+ body]".
func (s *VenueASigner) Headers(method, path, body string) (map[string]string, error) {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	sig, err := s.sign(timestamp, method, path, body)
	if err != nil {
		return nil, fmt.Errorf("sign request: %w", err)
	}
	return map[string]string{
		"X-API-KEY":    s.apiKey,
		"X-SIGNATURE":  sig,
		"X-TIMESTAMP":  timestamp,
		"X-PASSPHRASE": s.passphrase,
	}, nil
}

// sign computes the HMAC-SHA256 signature. The API secret is base64 in an
// unspecified variant, so every decoder is tried before giving up.
func (s *VenueASigner) sign(timestamp, method, path, body string) (string, error) {
	decoders := []*base64.Encoding{
		base64.URLEncoding,
		base64.RawURLEncoding,
		base64.StdEncoding,
		base64.RawStdEncoding,
	}

	var secretBytes []byte
	var err error
	for _, dec := range decoders {
		secretBytes, err = dec.DecodeString(s.apiSecret)
		if err == nil {
			break
		}
	}
	if err != nil {
		return "", fmt.Errorf("decode secret: %w", err)
	}

	message := timestamp + method + path
	if body != "" {
		message += body
	}

	mac := hmac.New(sha256.New, secretBytes)
	mac.Write([]byte(message))
	return base64.URLEncoding.EncodeToString(mac.Sum(nil)), nil
}

// VenueBSigner signs venue B order payloads with EIP-712 typed data.
type VenueBSigner struct {
	apiKey     string
	accountID  string
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
}

// NewVenueBSigner parses the configured private key. A missing key yields a
// signer that is not Ready but can still serve unauthenticated market data.
func NewVenueBSigner(creds config.VenueCredentials, chainID int64) (*VenueBSigner, error) {
	s := &VenueBSigner{
		apiKey:    creds.APIKey,
		accountID: creds.TradingAccountID,
		chainID:   big.NewInt(chainID),
	}
	if creds.PrivateKey == "" {
		return s, nil
	}

	keyHex := creds.PrivateKey
	if len(keyHex) >= 2 && keyHex[:2] == "0x" {
		keyHex = keyHex[2:]
	}
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	s.privateKey = key
	s.address = crypto.PubkeyToAddress(key.PublicKey)
	return s, nil
}

// Ready reports whether order signing is possible.
func (s *VenueBSigner) Ready() bool {
	return s.privateKey != nil && s.apiKey != "" && s.accountID != ""
}

// Address returns the signing account's address.
func (s *VenueBSigner) Address() common.Address {
	return s.address
}

// AccountID returns the trading account that scopes position and balance
// queries.
func (s *VenueBSigner) AccountID() string {
	return s.accountID
}

// AuthHeaders returns the non-order authentication headers.
func (s *VenueBSigner) AuthHeaders() map[string]string {
	return map[string]string{
		"X-API-KEY":    s.apiKey,
		"X-ACCOUNT-ID": s.accountID,
	}
}

// orderScale converts a decimal to the venue's 9-decimal fixed-point wire
// representation.
func orderScale(d decimal.Decimal) *big.Int {
	return d.Shift(9).Truncate(0).BigInt()
}

// SignOrder produces the EIP-712 signature for one order payload.
func (s *VenueBSigner) SignOrder(req types.OrderRequest, nonce int64, expiry time.Time) (string, error) {
	if s.privateKey == nil {
		return "", fmt.Errorf("venue B private key not configured")
	}

	sig, err := s.signTypedData(
		&apitypes.TypedDataDomain{
			Name:    "PerpOrder",
			Version: "1",
			ChainId: (*ethmath.HexOrDecimal256)(new(big.Int).Set(s.chainID)),
		},
		apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
			},
			"Order": {
				{Name: "accountId", Type: "string"},
				{Name: "market", Type: "string"},
				{Name: "isBuy", Type: "bool"},
				{Name: "size", Type: "uint256"},
				{Name: "limitPrice", Type: "uint256"},
				{Name: "reduceOnly", Type: "bool"},
				{Name: "postOnly", Type: "bool"},
				{Name: "nonce", Type: "uint256"},
				{Name: "expiration", Type: "uint256"},
			},
		},
		apitypes.TypedDataMessage{
			"accountId":  s.accountID,
			"market":     req.Market,
			"isBuy":      req.Side == types.BUY,
			"size":       orderScale(req.Qty).String(),
			"limitPrice": orderScale(req.Price).String(),
			"reduceOnly": req.ReduceOnly,
			"postOnly":   req.PostOnly,
			"nonce":      strconv.FormatInt(nonce, 10),
			"expiration": strconv.FormatInt(expiry.Unix(), 10),
		},
		"Order",
	)
	if err != nil {
		return "", fmt.Errorf("sign order: %w", err)
	}
	return "0x" + common.Bytes2Hex(sig), nil
}

// signTypedData hashes and signs EIP-712 typed data, adjusting V to 27/28.
func (s *VenueBSigner) signTypedData(
	domain *apitypes.TypedDataDomain,
	typesDef apitypes.Types,
	message apitypes.TypedDataMessage,
	primaryType string,
) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types:       typesDef,
		PrimaryType: primaryType,
		Domain:      *domain,
		Message:     message,
	}

	hash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return nil, fmt.Errorf("typed data hash: %w", err)
	}

	sig, err := crypto.Sign(hash, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("sign typed data: %w", err)
	}

	if sig[64] < 27 {
		sig[64] += 27
	}
	return sig, nil
}
