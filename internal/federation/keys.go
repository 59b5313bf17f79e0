package federation

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/multiformats/go-multibase"

	"github.com/msonnb/fedisky/internal/store"
)

// GenerateRSAKeyPair creates a fresh 2048-bit RSA key pair, JWK-encoded for
// storage as a store.KeyPair row.
func GenerateRSAKeyPair() (pubJWK, privJWK string, err error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return "", "", fmt.Errorf("generate RSA key: %w", err)
	}
	return marshalKeyPair(priv, &priv.PublicKey)
}

// GenerateEd25519KeyPair creates a fresh Ed25519 key pair, JWK-encoded, for
// FEP-521a multikey actor assertions.
func GenerateEd25519KeyPair() (pubJWK, privJWK string, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("generate Ed25519 key: %w", err)
	}
	return marshalKeyPair(priv, pub)
}

func marshalKeyPair(priv, pub any) (pubJWK, privJWK string, err error) {
	privKey, err := jwk.FromRaw(priv)
	if err != nil {
		return "", "", fmt.Errorf("jwk from private key: %w", err)
	}
	pubKey, err := jwk.FromRaw(pub)
	if err != nil {
		return "", "", fmt.Errorf("jwk from public key: %w", err)
	}
	privBytes, err := jwk.Pretty(privKey)
	if err != nil {
		return "", "", fmt.Errorf("marshal private jwk: %w", err)
	}
	pubBytes, err := jwk.Pretty(pubKey)
	if err != nil {
		return "", "", fmt.Errorf("marshal public jwk: %w", err)
	}
	return string(pubBytes), string(privBytes), nil
}

// RSAPrivateKeyFromJWK parses an RSA private key back out of its JWK form.
func RSAPrivateKeyFromJWK(privJWK string) (*rsa.PrivateKey, error) {
	key, err := jwk.ParseKey([]byte(privJWK))
	if err != nil {
		return nil, fmt.Errorf("parse jwk: %w", err)
	}
	var raw rsa.PrivateKey
	if err := key.Raw(&raw); err != nil {
		return nil, fmt.Errorf("jwk to rsa private key: %w", err)
	}
	return &raw, nil
}

// Ed25519PrivateKeyFromJWK parses an Ed25519 private key back out of its JWK
// form.
func Ed25519PrivateKeyFromJWK(privJWK string) (ed25519.PrivateKey, error) {
	key, err := jwk.ParseKey([]byte(privJWK))
	if err != nil {
		return nil, fmt.Errorf("parse jwk: %w", err)
	}
	var raw ed25519.PrivateKey
	if err := key.Raw(&raw); err != nil {
		return nil, fmt.Errorf("jwk to ed25519 private key: %w", err)
	}
	return raw, nil
}

// RSAPublicKeyPEM renders an RSA public key as a PKIX PEM block, the form
// published on actor.publicKey.publicKeyPem for remote HTTP-signature
// verification (WebFinger/AP convention, distinct from the JWK form used for
// this sidecar's own Store persistence).
func RSAPublicKeyPEM(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// ParseRSAPublicKeyPEM parses a PKIX PEM-encoded RSA public key as published
// on a remote actor document.
func ParseRSAPublicKeyPEM(pemStr string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, fmt.Errorf("invalid PEM")
	}
	pubInterface, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	pub, ok := pubInterface.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA public key")
	}
	return pub, nil
}

// RSAPublicKeyPEMFromJWK converts a stored JWK-form RSA public key into the
// PEM form published on an actor document's publicKey.publicKeyPem.
func RSAPublicKeyPEMFromJWK(pubJWK string) (string, error) {
	key, err := jwk.ParseKey([]byte(pubJWK))
	if err != nil {
		return "", fmt.Errorf("parse jwk: %w", err)
	}
	var pub rsa.PublicKey
	if err := key.Raw(&pub); err != nil {
		return "", fmt.Errorf("jwk to rsa public key: %w", err)
	}
	return RSAPublicKeyPEM(&pub)
}

// ed25519MultikeyPrefix is the multicodec varint prefix (0xed, 0x01) for an
// Ed25519 public key, per the multikey / did:key spec FEP-521a builds on.
var ed25519MultikeyPrefix = []byte{0xed, 0x01}

// Ed25519PublicKeyMultibaseFromJWK converts a stored JWK-form Ed25519 public
// key into the base58btc multibase string published on an actor's
// assertionMethod (FEP-521a).
func Ed25519PublicKeyMultibaseFromJWK(pubJWK string) (string, error) {
	key, err := jwk.ParseKey([]byte(pubJWK))
	if err != nil {
		return "", fmt.Errorf("parse jwk: %w", err)
	}
	var pub ed25519.PublicKey
	if err := key.Raw(&pub); err != nil {
		return "", fmt.Errorf("jwk to ed25519 public key: %w", err)
	}
	tagged := append(append([]byte{}, ed25519MultikeyPrefix...), pub...)
	return multibase.Encode(multibase.Base58BTC, tagged)
}

// EnsureKeyPairs guarantees both an RSA and an Ed25519 key pair exist in the
// store for userDid, generating and persisting whichever are missing. The
// store's ON CONFLICT DO NOTHING semantics make concurrent callers safe: a
// losing writer simply reads back the winner.
func EnsureKeyPairs(st *store.Store, userDid string) error {
	for _, kind := range []store.KeyPairType{store.KeyPairRSA, store.KeyPairEd25519} {
		if _, ok, err := st.GetKeyPair(userDid, kind); err == nil && ok {
			continue
		}
		var pubJWK, privJWK string
		var err error
		if kind == store.KeyPairRSA {
			pubJWK, privJWK, err = GenerateRSAKeyPair()
		} else {
			pubJWK, privJWK, err = GenerateEd25519KeyPair()
		}
		if err != nil {
			return fmt.Errorf("generate %s key pair for %s: %w", kind, userDid, err)
		}
		if _, err := st.CreateKeyPair(store.KeyPair{UserDID: userDid, Type: kind, PublicKey: pubJWK, PrivateKey: privJWK}); err != nil {
			return fmt.Errorf("persist %s key pair for %s: %w", kind, userDid, err)
		}
	}
	return nil
}
