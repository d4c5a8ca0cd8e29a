package hecrypt

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// ContextParams are the public CKKS parameters clients need to construct a
// compatible encryption context. They contain no secret material.
type ContextParams struct {
	Scheme            string
	PolyModulusDegree int
	CoeffModBitSizes  []int
	LogScale          int
	SecurityLevel     string
}

// DefaultParams returns the fixed production parameter set: degree 8192,
// modulus chain [60, 40, 40, 60], scale 2^40, 128-bit security.
func DefaultParams() ContextParams {
	return ContextParams{
		Scheme:            "CKKS",
		PolyModulusDegree: 8192,
		CoeffModBitSizes:  []int{60, 40, 40, 60},
		LogScale:          40,
		SecurityLevel:     "128-bit",
	}
}

// Fingerprint derives a stable context identifier from the parameter set.
// Clients echo it back so mismatched contexts are caught before arithmetic.
func (p ContextParams) Fingerprint() string {
	var builder strings.Builder
	fmt.Fprintf(&builder, "%s/%d/", p.Scheme, p.PolyModulusDegree)
	for _, size := range p.CoeffModBitSizes {
		fmt.Fprintf(&builder, "%d,", size)
	}
	fmt.Fprintf(&builder, "/%d", p.LogScale)
	digest := sha256.Sum256([]byte(builder.String()))
	return fmt.Sprintf("%s-%d-%s", strings.ToLower(p.Scheme), p.PolyModulusDegree, hex.EncodeToString(digest[:8]))
}
