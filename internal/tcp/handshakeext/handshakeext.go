// Package handshakeext implements the stack's optional, opt-in payload
// encryption extension: a toy Diffie-Hellman key agreement over a tiny
// modulus, feeding an XOR cipher whose key is evolved by a linear
// congruential generator on every byte. It exists to exercise the TCP
// engine's pluggable encryption hook, not to provide real confidentiality
// — Modulus is small enough to brute-force in microseconds, and the XOR
// stream repeats its own internal state deterministically. Never enable
// it for anything that needs actual security.
package handshakeext

// Modulus and Generator are the toy DH parameters. Generator is a
// primitive root mod Modulus, so PublicValue ranges over the full
// multiplicative group as the private exponent varies.
const (
	Modulus   = 23
	Generator = 5
)

// Session holds one connection's derived key state once both ends have
// exchanged public DH values.
type Session struct {
	key byte
}

// PrivateValue picks a private exponent in [1, Modulus-2] using randByte
// as the source of randomness (injectable so callers can seed tests
// deterministically).
func PrivateValue(randByte func() byte) byte {
	return randByte()%(Modulus-2) + 1
}

// PublicValue computes Generator^private mod Modulus.
func PublicValue(private byte) byte {
	return modPow(Generator, private, Modulus)
}

// SharedSecret computes peerPublic^private mod Modulus, which both ends
// converge on once they've each combined their own private exponent with
// the other's public value.
func SharedSecret(peerPublic, private byte) byte {
	return modPow(peerPublic, private, Modulus)
}

func modPow(base, exp, mod byte) byte {
	result := 1
	b := int(base) % int(mod)
	for e := int(exp); e > 0; e-- {
		result = (result * b) % int(mod)
	}
	return byte(result)
}

// NewSession derives a session from an agreed shared secret.
func NewSession(sharedSecret byte) *Session {
	return &Session{key: sharedSecret}
}

// EncDec is the symmetric transform: XOR each byte with the session's
// current key, then evolve the key with an LCG step. Decoding calls the
// same method on a Session seeded with the same initial key and applies
// it to the ciphertext in the same order it was produced, recovering the
// plaintext byte for byte.
func (s *Session) EncDec(data []byte) []byte {
	out := make([]byte, len(data))
	key := s.key
	for i, b := range data {
		out[i] = b ^ key
		key = lcgNext(key)
	}
	s.key = key
	return out
}

// lcgNext evolves the XOR key with a linear congruential step mod 256.
func lcgNext(k byte) byte {
	return k*37 + 11
}
