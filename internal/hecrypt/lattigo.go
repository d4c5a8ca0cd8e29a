package hecrypt

import (
	"fmt"

	"github.com/tuneinsight/lattigo/v5/core/rlwe"
	"github.com/tuneinsight/lattigo/v5/he/hefloat"
)

// LattigoBackend evaluates CKKS arithmetic over serialized ciphertexts using
// lattigo. Addition and plaintext-scalar multiplication need no evaluation
// keys, so the backend is constructed from public parameters alone.
type LattigoBackend struct {
	public    ContextParams
	params    hefloat.Parameters
	evaluator *hefloat.Evaluator
}

// NewLattigoBackend builds the evaluator for the given public parameter set.
func NewLattigoBackend(public ContextParams) (*LattigoBackend, error) {
	logN, err := logDegree(public.PolyModulusDegree)
	if err != nil {
		return nil, err
	}

	params, err := hefloat.NewParametersFromLiteral(hefloat.ParametersLiteral{
		LogN:            logN,
		LogQ:            public.CoeffModBitSizes,
		LogDefaultScale: public.LogScale,
	})
	if err != nil {
		return nil, fmt.Errorf("hecrypt: parameter construction failed: %w", err)
	}

	return &LattigoBackend{
		public:    public,
		params:    params,
		evaluator: hefloat.NewEvaluator(params, nil),
	}, nil
}

// Params exposes the public parameters the backend operates under.
func (b *LattigoBackend) Params() ContextParams {
	return b.public
}

// Add homomorphically adds two serialized ciphertexts.
func (b *LattigoBackend) Add(a, c []byte) ([]byte, error) {
	left, err := b.deserialize(a)
	if err != nil {
		return nil, err
	}
	right, err := b.deserialize(c)
	if err != nil {
		return nil, err
	}

	sum, err := b.evaluator.AddNew(left, right)
	if err != nil {
		return nil, fmt.Errorf("hecrypt: homomorphic add failed: %w", err)
	}
	return sum.MarshalBinary()
}

// MulScalar multiplies a serialized ciphertext by a known plaintext scalar
// and rescales so the result decrypts at the context scale.
func (b *LattigoBackend) MulScalar(ct []byte, scalar float64) ([]byte, error) {
	operand, err := b.deserialize(ct)
	if err != nil {
		return nil, err
	}

	product, err := b.evaluator.MulNew(operand, scalar)
	if err != nil {
		return nil, fmt.Errorf("hecrypt: scalar multiply failed: %w", err)
	}
	if err := b.evaluator.Rescale(product, product); err != nil {
		return nil, fmt.Errorf("hecrypt: rescale failed: %w", err)
	}
	return product.MarshalBinary()
}

// Validate checks the blob deserializes and was encrypted under the
// backend's polynomial degree and scale.
func (b *LattigoBackend) Validate(ct []byte) error {
	_, err := b.deserialize(ct)
	return err
}

func (b *LattigoBackend) deserialize(blob []byte) (*rlwe.Ciphertext, error) {
	if len(blob) == 0 {
		return nil, fmt.Errorf("%w: empty blob", ErrMalformedCiphertext)
	}

	ciphertext := &rlwe.Ciphertext{}
	if err := ciphertext.UnmarshalBinary(blob); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCiphertext, err)
	}
	if len(ciphertext.Value) == 0 || ciphertext.Value[0].N() != b.params.N() {
		return nil, fmt.Errorf("%w: polynomial degree mismatch", ErrMalformedCiphertext)
	}
	if ciphertext.Scale.Cmp(b.params.DefaultScale()) != 0 {
		return nil, fmt.Errorf("%w: scale mismatch", ErrMalformedCiphertext)
	}
	return ciphertext, nil
}

func logDegree(degree int) (int, error) {
	if degree <= 1 || degree&(degree-1) != 0 {
		return 0, fmt.Errorf("hecrypt: poly modulus degree must be a power of two, got %d", degree)
	}
	logN := 0
	for remaining := degree; remaining > 1; remaining >>= 1 {
		logN++
	}
	return logN, nil
}
