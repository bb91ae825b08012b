package relay

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
)

// ExchangeLength is the fixed capacity for an encoded public key.
const ExchangeLength = 160

var (
	ErrKeyTooLarge   = errors.New("relay: public key does not fit the exchange buffer")
	ErrInvalidLength = errors.New("relay: exchange length out of range")
)

// HandshakeInit asks the server to start a key exchange. It has no fields.
type HandshakeInit struct{}

func (HandshakeInit) MessageName() string { return "vnet.relay.HandshakeInit/1" }

// KeyExchange carries a SubjectPublicKeyInfo encoded P-256 public key.
type KeyExchange struct {
	Length    uint16
	PublicKey [ExchangeLength]byte
}

func (KeyExchange) MessageName() string { return "vnet.relay.KeyExchange/1" }

// NewKeyExchange packs pub into the fixed exchange buffer.
func NewKeyExchange(pub *ecdh.PublicKey) (KeyExchange, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return KeyExchange{}, fmt.Errorf("marshal public key: %w", err)
	}
	if len(der) > ExchangeLength {
		return KeyExchange{}, fmt.Errorf("%w: %d bytes", ErrKeyTooLarge, len(der))
	}
	var ke KeyExchange
	ke.Length = uint16(len(der))
	copy(ke.PublicKey[:], der)
	return ke, nil
}

// Key parses the peer's public key. Zero padding after the DER value is
// ignored, so a zero Length falls back to the DER element's own length.
func (ke KeyExchange) Key() (*ecdh.PublicKey, error) {
	if int(ke.Length) > ExchangeLength {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLength, ke.Length)
	}
	der := ke.PublicKey[:ke.Length]
	if ke.Length == 0 {
		var raw asn1.RawValue
		if _, err := asn1.Unmarshal(ke.PublicKey[:], &raw); err != nil {
			return nil, fmt.Errorf("parse public key: %w", err)
		}
		der = raw.FullBytes
	}

	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	switch k := parsed.(type) {
	case *ecdsa.PublicKey:
		return k.ECDH()
	case *ecdh.PublicKey:
		return k, nil
	default:
		return nil, fmt.Errorf("parse public key: unsupported type %T", parsed)
	}
}
