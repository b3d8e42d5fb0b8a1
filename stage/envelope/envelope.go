// Package envelope provides the encrypt and decrypt pipeline stages.
// A packet is wrapped in a JWE envelope (RSA-OAEP-256 key wrap,
// AES-256-CBC/HMAC-SHA-512 content encryption) addressed to the
// configured key's thumbprint. Encrypt fails closed: with no usable key
// the packet is dropped. Decrypt fails open: it passes through anything
// it clearly cannot apply to.
//
// The backing key file is read per invocation, not cached, so keys can
// be rotated without restarting the bridge.
package envelope

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"log/slog"
	"os"

	jose "github.com/go-jose/go-jose/v4"

	"github.com/black-roland/meshtastic-bridge/errors"
	"github.com/black-roland/meshtastic-bridge/packet"
	"github.com/black-roland/meshtastic-bridge/pipeline"
)

// Stage type names.
const (
	EncryptStageType = "encrypt_filter"
	DecryptStageType = "decrypt_filter"
)

// Config holds the key file path for a crypto stage.
type Config struct {
	Key string `json:"key,omitempty"`
}

// EncryptStage replaces the packet with its serialized JWE envelope.
type EncryptStage struct {
	keyPath string
	logger  *slog.Logger
}

// NewEncrypt builds an encrypt stage from its options.
func NewEncrypt(options json.RawMessage, deps pipeline.Deps) (pipeline.Stage, error) {
	var config Config
	if len(options) > 0 {
		if err := json.Unmarshal(options, &config); err != nil {
			return nil, errors.WrapInvalid(err, "Encrypt", "NewEncrypt", "options unmarshal")
		}
	}

	return &EncryptStage{
		keyPath: config.Key,
		logger:  deps.GetLogger().With("stage", EncryptStageType),
	}, nil
}

// Apply wraps the packet in an encryption envelope. With no key
// configured the packet is dropped: encryption is mandatory when this
// stage is present.
func (s *EncryptStage) Apply(_ context.Context, p *packet.Packet) (*packet.Packet, error) {
	if p == nil {
		return nil, nil
	}

	if s.keyPath == "" {
		s.logger.Warn("No encryption key configured, dropping packet")
		return nil, nil
	}

	publicKey, err := loadPublicKey(s.keyPath)
	if err != nil {
		return nil, errors.WrapFatal(err, "Encrypt", "Apply", "load key")
	}

	kid, err := thumbprint(publicKey)
	if err != nil {
		return nil, errors.WrapFatal(err, "Encrypt", "Apply", "compute thumbprint")
	}

	encrypter, err := jose.NewEncrypter(
		jose.A256CBC_HS512,
		jose.Recipient{Algorithm: jose.RSA_OAEP_256, Key: publicKey, KeyID: kid},
		(&jose.EncrypterOptions{}).WithType("JWE"),
	)
	if err != nil {
		return nil, errors.WrapFatal(err, "Encrypt", "Apply", "create encrypter")
	}

	message, err := p.MarshalText()
	if err != nil {
		return nil, errors.WrapFatal(err, "Encrypt", "Apply", "serialize packet")
	}

	object, err := encrypter.Encrypt(message)
	if err != nil {
		return nil, errors.WrapFatal(err, "Encrypt", "Apply", "encrypt packet")
	}

	s.logger.Debug("Encrypted message", "id", p.ID)

	return &packet.Packet{Envelope: object.FullSerialize()}, nil
}

// DecryptStage opens JWE envelopes back into canonical packets.
type DecryptStage struct {
	keyPath string
	logger  *slog.Logger
}

// NewDecrypt builds a decrypt stage from its options.
func NewDecrypt(options json.RawMessage, deps pipeline.Deps) (pipeline.Stage, error) {
	var config Config
	if len(options) > 0 {
		if err := json.Unmarshal(options, &config); err != nil {
			return nil, errors.WrapInvalid(err, "Decrypt", "NewDecrypt", "options unmarshal")
		}
	}

	return &DecryptStage{
		keyPath: config.Key,
		logger:  deps.GetLogger().With("stage", DecryptStageType),
	}, nil
}

// Apply opens the packet's envelope. Packets without an envelope, or a
// stage without a configured key, pass through unchanged. A key or
// envelope failure is a hard failure: nothing half-decrypted is
// forwarded.
func (s *DecryptStage) Apply(_ context.Context, p *packet.Packet) (*packet.Packet, error) {
	if p == nil || s.keyPath == "" {
		return p, nil
	}

	if p.Envelope == "" {
		s.logger.Warn("Packet is not an envelope")
		return p, nil
	}

	privateKey, err := loadPrivateKey(s.keyPath)
	if err != nil {
		return nil, errors.WrapFatal(err, "Decrypt", "Apply", "load key")
	}

	object, err := jose.ParseEncrypted(p.Envelope,
		[]jose.KeyAlgorithm{jose.RSA_OAEP_256},
		[]jose.ContentEncryption{jose.A256CBC_HS512},
	)
	if err != nil {
		return nil, errors.WrapFatal(
			fmt.Errorf("%w: %w", errors.ErrEnvelopeMalformed, err),
			"Decrypt", "Apply", "parse envelope")
	}

	message, err := object.Decrypt(privateKey)
	if err != nil {
		return nil, errors.WrapFatal(err, "Decrypt", "Apply", "open envelope")
	}

	var recovered packet.Packet
	if err := json.Unmarshal(message, &recovered); err != nil {
		return nil, errors.WrapFatal(err, "Decrypt", "Apply", "parse recovered packet")
	}

	s.logger.Debug("Decrypted message", "id", recovered.ID)

	return &recovered, nil
}

// loadPrivateKey reads an RSA private key from a PEM file.
func loadPrivateKey(path string) (*rsa.PrivateKey, error) {
	block, err := readPEM(path)
	if err != nil {
		return nil, err
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%w: not an RSA key", errors.ErrKeyUnreadable)
		}
		return rsaKey, nil
	default:
		return nil, fmt.Errorf("%w: unexpected PEM block %q", errors.ErrKeyUnreadable, block.Type)
	}
}

// loadPublicKey reads an RSA public key from a PEM file. A private key
// file also works: its public half is used.
func loadPublicKey(path string) (*rsa.PublicKey, error) {
	block, err := readPEM(path)
	if err != nil {
		return nil, err
	}

	switch block.Type {
	case "PUBLIC KEY":
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("%w: not an RSA key", errors.ErrKeyUnreadable)
		}
		return rsaKey, nil
	case "RSA PUBLIC KEY":
		return x509.ParsePKCS1PublicKey(block.Bytes)
	default:
		privateKey, err := loadPrivateKey(path)
		if err != nil {
			return nil, err
		}
		return &privateKey.PublicKey, nil
	}
}

func readPEM(path string) (*pem.Block, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errors.ErrKeyUnreadable, err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block in %s", errors.ErrKeyUnreadable, path)
	}

	return block, nil
}

// thumbprint computes the RFC 7638 key thumbprint used as the
// envelope's key id.
func thumbprint(key *rsa.PublicKey) (string, error) {
	jwk := jose.JSONWebKey{Key: key}

	sum, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", err
	}

	return base64.RawURLEncoding.EncodeToString(sum), nil
}

// Register registers both crypto stages with the given registry
func Register(registry *pipeline.Registry) error {
	if err := registry.Register(EncryptStageType, NewEncrypt); err != nil {
		return err
	}
	return registry.Register(DecryptStageType, NewDecrypt)
}
