package hecrypt

import "errors"

// ErrMalformedCiphertext indicates a blob that does not deserialize under
// the scheme, or that was encrypted under incompatible parameters.
var ErrMalformedCiphertext = errors.New("hecrypt: malformed or incompatible ciphertext")

// Backend is the capability the aggregation engine depends on: arithmetic
// over serialized ciphertexts under one fixed parameter set. Implementations
// hold no secret key and can never decrypt.
type Backend interface {
	// Params exposes the public parameters the backend operates under.
	Params() ContextParams
	// Add homomorphically adds two serialized ciphertexts.
	Add(a, b []byte) ([]byte, error)
	// MulScalar multiplies a serialized ciphertext by a known plaintext
	// scalar. This is the primitive behind averaging; the scheme has no
	// ciphertext-by-ciphertext division.
	MulScalar(ct []byte, scalar float64) ([]byte, error)
	// Validate checks a serialized ciphertext deserializes and matches the
	// backend's polynomial degree and scale.
	Validate(ct []byte) error
}
