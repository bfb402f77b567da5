package main

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
)

// loadPrivateKey reads an RSA private key from path. PEM wrapping is
// optional, PKCS#1 and PKCS#8 encodings are both accepted, and so is
// the single-line base64 form printed by 'crumblesctl key export'.
func loadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if trimmed := strings.TrimSpace(string(data)); !strings.Contains(trimmed, "-----") {
		if der, err := base64.StdEncoding.DecodeString(trimmed); err == nil {
			if key, err := parsePrivateDER(der); err == nil {
				return key, nil
			}
		}
	}

	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		switch block.Type {
		case "RSA PRIVATE KEY", "PRIVATE KEY":
			return parsePrivateDER(block.Bytes)
		}
	}

	return parsePrivateDER(data)
}

func parsePrivateDER(der []byte) (*rsa.PrivateKey, error) {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	keyAny, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, errors.New("not a PKCS#1 or PKCS#8 RSA private key")
	}
	key, ok := keyAny.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("unsupported key type %T", keyAny)
	}
	return key, nil
}
