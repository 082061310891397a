package exec

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strikebot/strikebot/internal/config"
	"github.com/strikebot/strikebot/internal/errs"
)

// Well-known development key (hardhat account 0); never funded on any
// network we touch.
const (
	testPrivateKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testAddress    = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
)

func testVenueConfig() config.VenueConfig {
	return config.VenueConfig{
		ClobBaseURL:  "http://localhost",
		ChainID:      137,
		APIKey:       "test-key",
		APISecret:    base64.URLEncoding.EncodeToString([]byte("super-secret")),
		Passphrase:   "test-pass",
		PrivateKey:   testPrivateKey,
		MinOrderSize: 5,
	}
}

func newTestSigner(t *testing.T) *Signer {
	t.Helper()
	signer, err := NewSigner(testVenueConfig())
	require.NoError(t, err)
	return signer
}

func TestNewSignerDerivesAddress(t *testing.T) {
	signer := newTestSigner(t)
	assert.Equal(t, testAddress, signer.Address().Hex())
	assert.Equal(t, signer.address, signer.funder, "funder defaults to the signing address")
	assert.True(t, signer.HasCredentials())
}

func TestNewSignerAcceptsPrefixedKey(t *testing.T) {
	cfg := testVenueConfig()
	cfg.PrivateKey = "0x" + testPrivateKey
	cfg.FunderAddress = "0x000000000000000000000000000000000000dEaD"

	signer, err := NewSigner(cfg)
	require.NoError(t, err)
	assert.Equal(t, testAddress, signer.Address().Hex())
	assert.NotEqual(t, signer.address, signer.funder)
}

func TestNewSignerRejectsBadKey(t *testing.T) {
	cfg := testVenueConfig()
	cfg.PrivateKey = ""
	_, err := NewSigner(cfg)
	assert.True(t, errs.HasCode(err, errs.CredentialsMissing))

	cfg.PrivateKey = "not-hex"
	_, err = NewSigner(cfg)
	assert.True(t, errs.HasCode(err, errs.CredentialsMissing))
}

func TestPriceToAmounts(t *testing.T) {
	tests := []struct {
		name      string
		side      Side
		price     float64
		size      float64
		wantMaker string
		wantTaker string
	}{
		{
			name: "buy round numbers",
			side: Buy, price: 0.5, size: 10,
			wantMaker: "5000000", wantTaker: "10000000",
		},
		{
			name: "buy truncates size to two decimals",
			side: Buy, price: 0.56, size: 7.1234,
			wantMaker: "3987200", wantTaker: "7120000",
		},
		{
			name: "buy truncates cost to four decimals",
			side: Buy, price: 0.333333, size: 3,
			wantMaker: "999900", wantTaker: "3000000",
		},
		{
			name: "sell mirrors buy",
			side: Sell, price: 0.35, size: 20.555,
			wantMaker: "20550000", wantTaker: "7192500",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			maker, taker := priceToAmounts(tt.side, tt.price, tt.size)
			assert.Equal(t, tt.wantMaker, maker.String())
			assert.Equal(t, tt.wantTaker, taker.String())
		})
	}
}

func TestL1Headers(t *testing.T) {
	signer := newTestSigner(t)

	headers, err := signer.L1Headers(0)
	require.NoError(t, err)

	assert.Equal(t, testAddress, headers["POLY_ADDRESS"])
	assert.Equal(t, "0", headers["POLY_NONCE"])
	assert.Len(t, headers["POLY_SIGNATURE"], 132, "0x plus 65 signature bytes")
	assert.Equal(t, "0x", headers["POLY_SIGNATURE"][:2])
	_, err = strconv.ParseInt(headers["POLY_TIMESTAMP"], 10, 64)
	assert.NoError(t, err)
}

func TestL2HeadersSignRequest(t *testing.T) {
	signer := newTestSigner(t)

	body := `{"orderID":"0xabc"}`
	headers, err := signer.L2Headers("DELETE", "/order", body)
	require.NoError(t, err)

	assert.Equal(t, testAddress, headers["POLY_ADDRESS"])
	assert.Equal(t, "test-key", headers["POLY_API_KEY"])
	assert.Equal(t, "test-pass", headers["POLY_PASSPHRASE"])

	mac := hmac.New(sha256.New, []byte("super-secret"))
	mac.Write([]byte(headers["POLY_TIMESTAMP"] + "DELETE" + "/order" + body))
	want := base64.URLEncoding.EncodeToString(mac.Sum(nil))
	assert.Equal(t, want, headers["POLY_SIGNATURE"])
}

func TestBuildHMACSecretEncodings(t *testing.T) {
	// A secret whose std-base64 form contains '/' defeats the URL
	// decoders; the fallback chain must still reach it.
	raw := []byte{0xff, 0xfe, 0xfd, 0xfc, 0xfb, 0xfa}

	cfg := testVenueConfig()
	cfg.APISecret = base64.StdEncoding.EncodeToString(raw)
	signer, err := NewSigner(cfg)
	require.NoError(t, err)

	sig, err := signer.buildHMAC("123", "GET", "/balance-allowance", "")
	require.NoError(t, err)

	mac := hmac.New(sha256.New, raw)
	mac.Write([]byte("123GET/balance-allowance"))
	assert.Equal(t, base64.URLEncoding.EncodeToString(mac.Sum(nil)), sig)
}

func TestSignOrderPayload(t *testing.T) {
	signer := newTestSigner(t)

	order, err := signer.signOrder(OrderRequest{
		TokenID: "71321045679252212594626385532706912750332728571942532289631379312455583992563",
		Side:    Buy,
		Price:   0.5,
		Size:    10,
		Type:    FOK,
	}, 0)
	require.NoError(t, err)

	payload := order.payload("test-key", FOK)
	assert.Equal(t, "test-key", payload["owner"])
	assert.Equal(t, "FOK", payload["orderType"])
	assert.Equal(t, false, payload["postOnly"])

	inner, ok := payload["order"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "BUY", inner["side"])
	assert.Equal(t, testAddress, inner["maker"])
	assert.Equal(t, testAddress, inner["signer"])
	assert.Equal(t, "0x0000000000000000000000000000000000000000", inner["taker"])
	assert.Equal(t, "5000000", inner["makerAmount"])
	assert.Equal(t, "10000000", inner["takerAmount"])
	assert.Equal(t, "0", inner["expiration"])
	assert.Equal(t, "0", inner["feeRateBps"])
	assert.Equal(t, 0, inner["signatureType"])

	sig, ok := inner["signature"].(string)
	require.True(t, ok)
	assert.Len(t, sig, 132)
	assert.Equal(t, "0x", sig[:2])
}

func TestSignOrderSell(t *testing.T) {
	signer := newTestSigner(t)

	order, err := signer.signOrder(OrderRequest{
		TokenID: "123456",
		Side:    Sell,
		Price:   0.35,
		Size:    20,
		Type:    GTC,
	}, 100)
	require.NoError(t, err)

	payload := order.payload("test-key", GTC)
	assert.Equal(t, "GTC", payload["orderType"])

	inner := payload["order"].(map[string]any)
	assert.Equal(t, "SELL", inner["side"])
	assert.Equal(t, "20000000", inner["makerAmount"], "sells give contracts")
	assert.Equal(t, "7000000", inner["takerAmount"], "sells take USDC")
	assert.Equal(t, "100", inner["feeRateBps"])
}
