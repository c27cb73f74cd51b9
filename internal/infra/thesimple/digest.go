package thesimple

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
)

// BuildResponse computes the challenge response: a three-stage SHA1 chain
// binding username, realm, password, and the server-issued nonce. The
// password itself is never transmitted; the server verifies the chain
// against its own record.
func BuildResponse(username, password, realm, nonce string) string {
	pwhash := sha1Hex(password)
	step2 := sha1Hex(username + ":" + realm + ":" + pwhash)
	return sha1Hex(step2 + ":" + nonce)
}

func sha1Hex(s string) string {
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// EncryptPassword encrypts the password under the service's RSA public key
// using PKCS#1 v1.5 padding and returns the base64 ciphertext. The server
// uses this alongside the challenge response for its own verification.
func EncryptPassword(password string, pub *rsa.PublicKey) (string, error) {
	ciphertext, err := rsa.EncryptPKCS1v15(rand.Reader, pub, []byte(password))
	if err != nil {
		return "", &ProtocolError{Reason: "encrypting password", Cause: err}
	}
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// ParsePublicKey parses a PEM-encoded RSA public key as published by the
// public_key endpoint.
func ParsePublicKey(pemData string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, &ProtocolError{Reason: "no PEM block in public key"}
	}

	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		if rsaKey, pkcs1Err := x509.ParsePKCS1PublicKey(block.Bytes); pkcs1Err == nil {
			return rsaKey, nil
		}
		return nil, &ProtocolError{Reason: "parsing public key", Cause: err}
	}

	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, &ProtocolError{Reason: fmt.Sprintf("public key is %T, expected RSA", key)}
	}
	return rsaKey, nil
}
