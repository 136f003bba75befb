package encryption

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

// Sealer encrypts the transfer key for the receiving party.
type Sealer interface {
	Seal(key []byte) ([]byte, error)
}

// Opener recovers a key sealed by the matching Sealer.
type Opener interface {
	Open(sealed []byte) ([]byte, error)
}

// RSASealer seals keys with RSA-OAEP (SHA-256).
type RSASealer struct {
	publicKey *rsa.PublicKey
}

// NewRSASealer ...
func NewRSASealer(publicKey *rsa.PublicKey) (*RSASealer, error) {
	if publicKey == nil {
		return nil, fmt.Errorf("public key must not be nil")
	}
	return &RSASealer{publicKey: publicKey}, nil
}

// NewRSASealerFromCertificate uses the RSA public key of the receiver's certificate.
func NewRSASealerFromCertificate(cert *x509.Certificate) (*RSASealer, error) {
	publicKey, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("certificate does not contain an RSA public key")
	}
	return NewRSASealer(publicKey)
}

// NewRSASealerFromPEM accepts a PEM encoded certificate or PKIX public key.
func NewRSASealerFromPEM(data []byte) (*RSASealer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}

	switch block.Type {
	case "CERTIFICATE":
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse certificate: %w", err)
		}
		return NewRSASealerFromCertificate(cert)
	case "PUBLIC KEY":
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse public key: %w", err)
		}
		publicKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("public key is %T, not RSA", key)
		}
		return NewRSASealer(publicKey)
	default:
		return nil, fmt.Errorf("unsupported PEM block type: %s", block.Type)
	}
}

// Seal ...
func (s *RSASealer) Seal(key []byte) ([]byte, error) {
	sealed, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, s.publicKey, key, nil)
	if err != nil {
		return nil, fmt.Errorf("RSA-OAEP encryption failed: %w", err)
	}
	return sealed, nil
}

// RSAOpener opens keys sealed by RSASealer.
type RSAOpener struct {
	privateKey *rsa.PrivateKey
}

// NewRSAOpener ...
func NewRSAOpener(privateKey *rsa.PrivateKey) (*RSAOpener, error) {
	if privateKey == nil {
		return nil, fmt.Errorf("private key must not be nil")
	}
	return &RSAOpener{privateKey: privateKey}, nil
}

// Open ...
func (o *RSAOpener) Open(sealed []byte) ([]byte, error) {
	key, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, o.privateKey, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("RSA-OAEP decryption failed: %w", err)
	}
	return key, nil
}
