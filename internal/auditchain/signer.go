package auditchain

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

// SignatureAlgorithm names the scheme recorded in exports.
const SignatureAlgorithm = "RSA-PSS-SHA256-MGF1-MAXSALT"

// DefaultKeyBits is the modulus size used by GenerateKeyPair when none is given.
const DefaultKeyBits = 3072

// Signer signs and verifies chain hashes with RSA-PSS over SHA-256.
//
// A nil *Signer, or one built without keys, is a valid unsigned
// configuration: Sign reports no signature and Verify reports false.
// A Signer holding only a public key can verify but not sign.
type Signer struct {
	priv *rsa.PrivateKey
	pub  *rsa.PublicKey
}

// NewSigner builds a Signer. priv and pub may each be nil; when priv is set
// and pub is nil the public half of priv is used.
func NewSigner(priv *rsa.PrivateKey, pub *rsa.PublicKey) *Signer {
	if pub == nil && priv != nil {
		pub = &priv.PublicKey
	}
	return &Signer{priv: priv, pub: pub}
}

// LoadSigner parses PEM key material. Either argument may be empty.
func LoadSigner(privPEM, pubPEM []byte) (*Signer, error) {
	var (
		priv *rsa.PrivateKey
		pub  *rsa.PublicKey
		err  error
	)
	if len(privPEM) > 0 {
		if priv, err = parsePrivateKey(privPEM); err != nil {
			return nil, err
		}
	}
	if len(pubPEM) > 0 {
		if pub, err = parsePublicKey(pubPEM); err != nil {
			return nil, err
		}
	}
	if priv != nil && pub != nil && !priv.PublicKey.Equal(pub) {
		return nil, errors.New("signing public key does not match private key")
	}
	return NewSigner(priv, pub), nil
}

// LoadSignerFiles reads PEM key files. Empty paths are skipped, so two empty
// paths give an unsigned Signer.
func LoadSignerFiles(privPath, pubPath string) (*Signer, error) {
	var privPEM, pubPEM []byte
	var err error
	if privPath != "" {
		if privPEM, err = os.ReadFile(privPath); err != nil {
			return nil, fmt.Errorf("read signing key: %w", err)
		}
	}
	if pubPath != "" {
		if pubPEM, err = os.ReadFile(pubPath); err != nil {
			return nil, fmt.Errorf("read verification key: %w", err)
		}
	}
	return LoadSigner(privPEM, pubPEM)
}

// CanSign reports whether a private key is configured.
func (s *Signer) CanSign() bool { return s != nil && s.priv != nil }

// CanVerify reports whether a public key is configured.
func (s *Signer) CanVerify() bool { return s != nil && s.pub != nil }

// Sign returns the base64 RSA-PSS signature over the UTF-8 bytes of
// chainHash. ok is false when no private key is configured.
func (s *Signer) Sign(chainHash string) (sig string, ok bool, err error) {
	if !s.CanSign() {
		return "", false, nil
	}
	digest := sha256.Sum256([]byte(chainHash))
	raw, err := rsa.SignPSS(rand.Reader, s.priv, crypto.SHA256, digest[:], &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthAuto,
		Hash:       crypto.SHA256,
	})
	if err != nil {
		return "", false, fmt.Errorf("sign chain hash: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), true, nil
}

// Verify reports whether sig is a valid signature over chainHash. Any
// failure, including a malformed signature or missing key, yields false.
func (s *Signer) Verify(chainHash, sig string) bool {
	if !s.CanVerify() || sig == "" {
		return false
	}
	raw, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return false
	}
	digest := sha256.Sum256([]byte(chainHash))
	return rsa.VerifyPSS(s.pub, crypto.SHA256, digest[:], raw, &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthAuto,
		Hash:       crypto.SHA256,
	}) == nil
}

// PublicKeyPEM returns the PKIX PEM encoding of the public key, or nil.
func (s *Signer) PublicKeyPEM() []byte {
	if !s.CanVerify() {
		return nil
	}
	der, err := x509.MarshalPKIXPublicKey(s.pub)
	if err != nil {
		return nil
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
}

// GenerateKeyPair creates a new RSA key and returns it as PKCS#1 private
// and PKIX public PEM blocks.
func GenerateKeyPair(bits int) (privPEM, pubPEM []byte, err error) {
	if bits == 0 {
		bits = DefaultKeyBits
	}
	if bits < 2048 {
		return nil, nil, fmt.Errorf("key size %d is below 2048 bits", bits)
	}
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, nil, fmt.Errorf("generate signing key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal public key: %w", err)
	}
	privPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	pubPEM = pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	return privPEM, pubPEM, nil
}

func parsePrivateKey(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("failed to decode private key PEM")
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		return key, nil
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("private key is %T, want RSA", key)
		}
		return rsaKey, nil
	}
	return nil, fmt.Errorf("unsupported private key PEM type %q", block.Type)
}

func parsePublicKey(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("failed to decode public key PEM")
	}
	switch block.Type {
	case "PUBLIC KEY":
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse public key: %w", err)
		}
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("public key is %T, want RSA", key)
		}
		return rsaKey, nil
	case "RSA PUBLIC KEY":
		key, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse public key: %w", err)
		}
		return key, nil
	}
	return nil, fmt.Errorf("unsupported public key PEM type %q", block.Type)
}
