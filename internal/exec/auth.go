package exec

import (
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"math/big"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethmath "github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/shopspring/decimal"

	"github.com/strikebot/strikebot/internal/config"
	"github.com/strikebot/strikebot/internal/errs"
)

// CTF Exchange contract on Polygon mainnet; orders are EIP-712 signed
// against its domain.
const (
	ctfExchangeAddress = "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"
	zeroAddress        = "0x0000000000000000000000000000000000000000"

	clobAuthMessage = "This message attests that I control the given wallet"
)

// Credentials is the L2 API key triplet used to HMAC-sign trading
// requests. It is either configured directly or derived once from an
// L1 wallet signature.
type Credentials struct {
	APIKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

// Signer holds the wallet key and L2 credentials and produces every
// signature the venue requires:
//
//   - L1 (EIP-712 "ClobAuth"): proves wallet ownership, used only to
//     derive the L2 credentials.
//   - L2 (HMAC-SHA256 over timestamp + method + path [+ body]): attached
//     to every trading request.
//   - Order (EIP-712 against the CTF Exchange domain): the order itself.
//
// The funder may differ from the signing address when a proxy wallet
// holds the collateral.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	funder     common.Address
	chainID    *big.Int
	sigType    int
	creds      Credentials
}

// NewSigner builds a Signer from venue config. It fails when the
// private key is absent or unparseable; L2 credentials may be empty
// and derived later.
func NewSigner(cfg config.VenueConfig) (*Signer, error) {
	keyHex := strings.TrimPrefix(cfg.PrivateKey, "0x")
	if keyHex == "" {
		return nil, errs.New(errs.CredentialsMissing, "venue private key not configured")
	}
	privateKey, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, errs.Wrap(errs.CredentialsMissing, err, "parse venue private key")
	}

	address := crypto.PubkeyToAddress(privateKey.PublicKey)
	funder := address
	if cfg.FunderAddress != "" {
		funder = common.HexToAddress(cfg.FunderAddress)
	}

	return &Signer{
		privateKey: privateKey,
		address:    address,
		funder:     funder,
		chainID:    big.NewInt(cfg.ChainID),
		sigType:    cfg.SignatureType,
		creds: Credentials{
			APIKey:     cfg.APIKey,
			Secret:     cfg.APISecret,
			Passphrase: cfg.Passphrase,
		},
	}, nil
}

// Address returns the signing wallet's address.
func (s *Signer) Address() common.Address {
	return s.address
}

// HasCredentials reports whether the L2 triplet is complete.
func (s *Signer) HasCredentials() bool {
	return s.creds.APIKey != "" && s.creds.Secret != "" && s.creds.Passphrase != ""
}

// SetCredentials installs a derived L2 triplet.
func (s *Signer) SetCredentials(creds Credentials) {
	s.creds = creds
}

// L1Headers signs the ClobAuth attestation for key-management
// endpoints.
func (s *Signer) L1Headers(nonce int) (map[string]string, error) {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)

	sig, err := s.signTypedData(
		&apitypes.TypedDataDomain{
			Name:    "ClobAuthDomain",
			Version: "1",
			ChainId: (*ethmath.HexOrDecimal256)(new(big.Int).Set(s.chainID)),
		},
		apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
			},
			"ClobAuth": {
				{Name: "address", Type: "address"},
				{Name: "timestamp", Type: "string"},
				{Name: "nonce", Type: "uint256"},
				{Name: "message", Type: "string"},
			},
		},
		apitypes.TypedDataMessage{
			"address":   s.address.Hex(),
			"timestamp": timestamp,
			"nonce":     fmt.Sprintf("%d", nonce),
			"message":   clobAuthMessage,
		},
		"ClobAuth",
	)
	if err != nil {
		return nil, fmt.Errorf("sign clob auth: %w", err)
	}

	return map[string]string{
		"POLY_ADDRESS":   s.address.Hex(),
		"POLY_SIGNATURE": "0x" + common.Bytes2Hex(sig),
		"POLY_TIMESTAMP": timestamp,
		"POLY_NONCE":     strconv.Itoa(nonce),
	}, nil
}

// L2Headers signs one trading request with the derived credentials.
func (s *Signer) L2Headers(method, path, body string) (map[string]string, error) {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)

	sig, err := s.buildHMAC(timestamp, method, path, body)
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"POLY_ADDRESS":    s.address.Hex(),
		"POLY_SIGNATURE":  sig,
		"POLY_TIMESTAMP":  timestamp,
		"POLY_API_KEY":    s.creds.APIKey,
		"POLY_PASSPHRASE": s.creds.Passphrase,
	}, nil
}

// buildHMAC computes the L2 signature over timestamp + method + path
// [+ body]. Secrets in the wild arrive in any of the four base64
// variants, so decoding falls through them in order.
func (s *Signer) buildHMAC(timestamp, method, path, body string) (string, error) {
	decoders := []*base64.Encoding{
		base64.URLEncoding,
		base64.RawURLEncoding,
		base64.StdEncoding,
		base64.RawStdEncoding,
	}

	var secretBytes []byte
	var err error
	for _, dec := range decoders {
		secretBytes, err = dec.DecodeString(s.creds.Secret)
		if err == nil {
			break
		}
	}
	if err != nil {
		return "", errs.Wrap(errs.CredentialsMissing, err, "decode api secret")
	}

	message := timestamp + method + path
	if body != "" {
		message += body
	}

	mac := hmac.New(sha256.New, secretBytes)
	mac.Write([]byte(message))
	return base64.URLEncoding.EncodeToString(mac.Sum(nil)), nil
}

// signTypedData hashes and signs EIP-712 typed data, adjusting V to
// the 27/28 convention the venue expects.
func (s *Signer) signTypedData(
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

// signedOrder is a CTF Exchange order plus its EIP-712 signature,
// ready to be wrapped into the REST payload.
type signedOrder struct {
	salt          int64
	maker         common.Address
	signer        common.Address
	taker         common.Address
	tokenID       string
	makerAmount   *big.Int
	takerAmount   *big.Int
	expiration    int64
	nonce         int64
	feeRateBps    int
	side          Side
	signatureType int
	signature     string
}

// signOrder builds and signs a CTF Exchange order for the request.
// The maker is the funder wallet (who holds the collateral), the
// signer the EOA, and the taker the zero address: an open order.
func (s *Signer) signOrder(req OrderRequest, feeRateBps int) (*signedOrder, error) {
	makerAmt, takerAmt := priceToAmounts(req.Side, req.Price, req.Size)

	order := &signedOrder{
		salt:          rand.Int63(),
		maker:         s.funder,
		signer:        s.address,
		taker:         common.HexToAddress(zeroAddress),
		tokenID:       req.TokenID,
		makerAmount:   makerAmt,
		takerAmount:   takerAmt,
		expiration:    0,
		nonce:         0,
		feeRateBps:    feeRateBps,
		side:          req.Side,
		signatureType: s.sigType,
	}

	sideCode := 0
	if order.side == Sell {
		sideCode = 1
	}

	sig, err := s.signTypedData(
		&apitypes.TypedDataDomain{
			Name:              "Polymarket CTF Exchange",
			Version:           "1",
			ChainId:           (*ethmath.HexOrDecimal256)(new(big.Int).Set(s.chainID)),
			VerifyingContract: ctfExchangeAddress,
		},
		apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Order": {
				{Name: "salt", Type: "uint256"},
				{Name: "maker", Type: "address"},
				{Name: "signer", Type: "address"},
				{Name: "taker", Type: "address"},
				{Name: "tokenId", Type: "uint256"},
				{Name: "makerAmount", Type: "uint256"},
				{Name: "takerAmount", Type: "uint256"},
				{Name: "expiration", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
				{Name: "feeRateBps", Type: "uint256"},
				{Name: "side", Type: "uint8"},
				{Name: "signatureType", Type: "uint8"},
			},
		},
		apitypes.TypedDataMessage{
			"salt":          strconv.FormatInt(order.salt, 10),
			"maker":         order.maker.Hex(),
			"signer":        order.signer.Hex(),
			"taker":         order.taker.Hex(),
			"tokenId":       order.tokenID,
			"makerAmount":   order.makerAmount.String(),
			"takerAmount":   order.takerAmount.String(),
			"expiration":    strconv.FormatInt(order.expiration, 10),
			"nonce":         strconv.FormatInt(order.nonce, 10),
			"feeRateBps":    strconv.Itoa(order.feeRateBps),
			"side":          strconv.Itoa(sideCode),
			"signatureType": strconv.Itoa(order.signatureType),
		},
		"Order",
	)
	if err != nil {
		return nil, fmt.Errorf("sign order: %w", err)
	}

	order.signature = "0x" + common.Bytes2Hex(sig)
	return order, nil
}

// payload wraps the signed order for POST /order. The signature rides
// inside the order object and the owner is the API key, not the maker
// address; the venue rejects anything else.
func (o *signedOrder) payload(apiKey string, orderType OrderType) map[string]any {
	return map[string]any{
		"order": map[string]any{
			"salt":          o.salt,
			"maker":         o.maker.Hex(),
			"signer":        o.signer.Hex(),
			"taker":         o.taker.Hex(),
			"tokenId":       o.tokenID,
			"makerAmount":   o.makerAmount.String(),
			"takerAmount":   o.takerAmount.String(),
			"expiration":    strconv.FormatInt(o.expiration, 10),
			"nonce":         strconv.FormatInt(o.nonce, 10),
			"feeRateBps":    strconv.Itoa(o.feeRateBps),
			"side":          string(o.side),
			"signatureType": o.signatureType,
			"signature":     o.signature,
		},
		"owner":     apiKey,
		"orderType": string(orderType),
		"postOnly":  false,
	}
}

// priceToAmounts converts a limit price and contract quantity into the
// 6-decimal integer maker/taker amounts the exchange contract expects.
// Sizes truncate to 2 decimals and currency amounts to 4; truncation
// rather than rounding, so an order never exceeds its budget.
//
// For a buy the maker amount is USDC spent and the taker amount
// contracts received; a sell mirrors that.
func priceToAmounts(side Side, price, size float64) (makerAmt, takerAmt *big.Int) {
	sizeDec := decimal.NewFromFloat(size).RoundDown(2)
	notional := sizeDec.Mul(decimal.NewFromFloat(price)).RoundDown(4)

	contracts := sizeDec.Shift(6).BigInt()
	currency := notional.Shift(6).BigInt()

	if side == Sell {
		return contracts, currency
	}
	return currency, contracts
}
