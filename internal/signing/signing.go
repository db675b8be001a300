// Package signing signs and verifies bundle manifests with RSA keys.
package signing

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/silmaril/quench/pkg/types"
)

const (
	PrivateKeyFile = "private.pem"
	PublicKeyFile  = "public.pem"

	keyBits = 2048
)

// KeyPair holds a publisher's signing keys
type KeyPair struct {
	PrivateKey *rsa.PrivateKey
	PublicKey  *rsa.PublicKey
}

// GenerateKeyPair creates a new RSA key pair
func GenerateKeyPair() (*KeyPair, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}
	return &KeyPair{PrivateKey: privateKey, PublicKey: &privateKey.PublicKey}, nil
}

// Save writes the key pair as PEM into dir. The private key is readable by
// the owner only.
func (kp *KeyPair) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create keys directory: %w", err)
	}

	priv := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(kp.PrivateKey),
	})
	if err := os.WriteFile(filepath.Join(dir, PrivateKeyFile), priv, 0o600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}

	pubBytes, err := x509.MarshalPKIXPublicKey(kp.PublicKey)
	if err != nil {
		return fmt.Errorf("failed to marshal public key: %w", err)
	}
	pub := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})
	if err := os.WriteFile(filepath.Join(dir, PublicKeyFile), pub, 0o644); err != nil {
		return fmt.Errorf("failed to write public key: %w", err)
	}
	return nil
}

// LoadPrivateKey loads a private key from file
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	block, err := readPEM(path, "private")
	if err != nil {
		return nil, err
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return key, nil
}

// LoadPublicKey loads a public key from file
func LoadPublicKey(path string) (*rsa.PublicKey, error) {
	block, err := readPEM(path, "public")
	if err != nil {
		return nil, err
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA public key")
	}
	return rsaKey, nil
}

func readPEM(path, kind string) (*pem.Block, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s key: %w", kind, err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block in %s", path)
	}
	return block, nil
}

// LoadOrCreate returns the key pair stored in dir, generating and saving a
// new one when dir holds no private key.
func LoadOrCreate(dir string) (kp *KeyPair, created bool, err error) {
	privPath := filepath.Join(dir, PrivateKeyFile)
	if _, err := os.Stat(privPath); err == nil {
		priv, err := LoadPrivateKey(privPath)
		if err != nil {
			return nil, false, err
		}
		return &KeyPair{PrivateKey: priv, PublicKey: &priv.PublicKey}, false, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, false, err
	}

	kp, err = GenerateKeyPair()
	if err != nil {
		return nil, false, err
	}
	if err := kp.Save(dir); err != nil {
		return nil, false, err
	}
	return kp, true, nil
}

// Fingerprint identifies a public key by the sha256 of its DER encoding.
func Fingerprint(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(der)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// SignManifest signs the manifest hash and stores the base64 signature in it
func SignManifest(manifest *types.BundleManifest, privateKey *rsa.PrivateKey) error {
	digest, err := manifestDigest(manifest)
	if err != nil {
		return err
	}
	sig, err := rsa.SignPKCS1v15(rand.Reader, privateKey, crypto.SHA256, digest)
	if err != nil {
		return fmt.Errorf("failed to sign manifest: %w", err)
	}
	manifest.Signature = base64.StdEncoding.EncodeToString(sig)
	return nil
}

// VerifyManifest checks the manifest signature against publicKey
func VerifyManifest(manifest *types.BundleManifest, publicKey *rsa.PublicKey) error {
	if manifest.Signature == "" {
		return fmt.Errorf("manifest is not signed")
	}
	sig, err := base64.StdEncoding.DecodeString(manifest.Signature)
	if err != nil {
		return fmt.Errorf("failed to decode signature: %w", err)
	}
	digest, err := manifestDigest(manifest)
	if err != nil {
		return err
	}
	if err := rsa.VerifyPKCS1v15(publicKey, crypto.SHA256, digest, sig); err != nil {
		return fmt.Errorf("signature verification failed: %w", err)
	}
	return nil
}

// manifestDigest is the sha256 of the manifest with its signature cleared.
func manifestDigest(m *types.BundleManifest) ([]byte, error) {
	h, err := m.ComputeHash()
	if err != nil {
		return nil, fmt.Errorf("failed to hash manifest: %w", err)
	}
	return hex.DecodeString(h)
}
