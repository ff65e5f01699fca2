package config

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.yaml.in/yaml/v4"
)

// ECDSAPrivateKey wraps a secp256k1 key decoded from a hex string, with or without 0x prefix.
// An empty value leaves the key nil.
type ECDSAPrivateKey struct {
	*ecdsa.PrivateKey
}

func (k *ECDSAPrivateKey) UnmarshalYAML(node *yaml.Node) error {
	var encoded string
	if err := node.Decode(&encoded); err != nil {
		return err
	}
	return k.Set(encoded)
}

// Set decodes a hex private key into k.
func (k *ECDSAPrivateKey) Set(encoded string) error {
	encoded = strings.TrimPrefix(strings.TrimSpace(encoded), "0x")
	if encoded == "" {
		k.PrivateKey = nil
		return nil
	}

	key, err := crypto.HexToECDSA(encoded)
	if err != nil {
		return fmt.Errorf("decode ECDSA private key: %w", err)
	}

	k.PrivateKey = key
	return nil
}

// Address returns the address backing the key, or the zero address when unset.
func (k ECDSAPrivateKey) Address() common.Address {
	if k.PrivateKey == nil {
		return common.Address{}
	}
	return crypto.PubkeyToAddress(k.PublicKey)
}

// Address is a hex account address.
type Address struct {
	common.Address
}

func (a *Address) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	return a.Set(s)
}

// Set parses a hex address. An empty string yields the zero address.
func (a *Address) Set(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		a.Address = common.Address{}
		return nil
	}
	if !common.IsHexAddress(s) {
		return fmt.Errorf("invalid address %q", s)
	}
	a.Address = common.HexToAddress(s)
	return nil
}
