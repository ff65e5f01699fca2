package clob

import (
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

const (
	headerAddress    = "POLY_ADDRESS"
	headerSignature  = "POLY_SIGNATURE"
	headerTimestamp  = "POLY_TIMESTAMP"
	headerNonce      = "POLY_NONCE"
	headerAPIKey     = "POLY_API_KEY"
	headerPassphrase = "POLY_PASSPHRASE"

	clobAuthMessage = "This message attests that I control the given wallet"
)

// Credentials are the API key triple bound to one signing address.
type Credentials struct {
	APIKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

func (c Credentials) Empty() bool {
	return c.APIKey == "" || c.Secret == "" || c.Passphrase == ""
}

// l1Headers signs the ClobAuth typed message proving control of key.
func l1Headers(key *ecdsa.PrivateKey, chainID int64, timestamp int64, nonce int64) (map[string]string, error) {
	address := crypto.PubkeyToAddress(key.PublicKey).Hex()
	ts := strconv.FormatInt(timestamp, 10)

	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
			},
			"ClobAuth": []apitypes.Type{
				{Name: "address", Type: "address"},
				{Name: "timestamp", Type: "string"},
				{Name: "nonce", Type: "uint256"},
				{Name: "message", Type: "string"},
			},
		},
		PrimaryType: "ClobAuth",
		Domain: apitypes.TypedDataDomain{
			Name:    "ClobAuthDomain",
			Version: "1",
			ChainId: math.NewHexOrDecimal256(chainID),
		},
		Message: apitypes.TypedDataMessage{
			"address":   address,
			"timestamp": ts,
			"nonce":     math.NewHexOrDecimal256(nonce),
			"message":   clobAuthMessage,
		},
	}

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("hash domain: %w", err)
	}
	messageHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("hash message: %w", err)
	}

	rawData := []byte{0x19, 0x01}
	rawData = append(rawData, domainSeparator...)
	rawData = append(rawData, messageHash...)
	digest := crypto.Keccak256Hash(rawData)

	signature, err := crypto.Sign(digest.Bytes(), key)
	if err != nil {
		return nil, fmt.Errorf("sign auth message: %w", err)
	}
	signature[64] += 27

	return map[string]string{
		headerAddress:   address,
		headerSignature: hexutil.Encode(signature),
		headerTimestamp: ts,
		headerNonce:     strconv.FormatInt(nonce, 10),
	}, nil
}

// l2Headers authenticates a request with the HMAC of timestamp+method+path+body.
func l2Headers(address string, creds Credentials, timestamp int64, method, path, body string) (map[string]string, error) {
	ts := strconv.FormatInt(timestamp, 10)

	secret := strings.NewReplacer("+", "-", "/", "_").Replace(creds.Secret)
	secretBytes, err := base64.URLEncoding.DecodeString(secret)
	if err != nil {
		return nil, fmt.Errorf("decode api secret: %w", err)
	}

	h := hmac.New(sha256.New, secretBytes)
	h.Write([]byte(ts + method + path + body))
	signature := base64.URLEncoding.EncodeToString(h.Sum(nil))

	return map[string]string{
		headerAddress:    address,
		headerSignature:  signature,
		headerTimestamp:  ts,
		headerAPIKey:     creds.APIKey,
		headerPassphrase: creds.Passphrase,
	}, nil
}
