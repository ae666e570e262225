package interfaces

import "crypto/ed25519"

type IRemoteIdentity interface {
	IDHash() string
	PublicKey() ed25519.PublicKey
	ValidateSignature(payload []byte, signature []byte) bool
}

type ILocalIdentity interface {
	IDHash() string
	PublicKey() ed25519.PublicKey
	Sign(payload []byte) []byte
}
