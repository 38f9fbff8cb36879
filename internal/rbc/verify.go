// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package rbc

import (
	"context"
	"fmt"

	"github.com/datawire/dlib/dlog"
)

// Verifier checks a config blob's signature atom against the bytes
// that precede it. It must not mutate either slice. Swapping in a real
// PKCS#7 verifier must not change this contract.
type Verifier func(bytesExcludingSignatureAtom, signature []byte) error

// DefaultVerifier accepts any signature and logs a warning: no
// cryptographic verification algorithm is specified for RBC (spec
// Open Question). Callers relying on integrity must supply their own
// Verifier before deployment.
func DefaultVerifier(ctx context.Context) Verifier {
	return func(_, _ []byte) error {
		dlog.Warn(ctx, "rbc: signature present but not cryptographically verified (no verifier configured)")
		return nil
	}
}

// Verify locates the signature atom and passes the blob bytes that
// precede it, together with the signature value, to verify. It fails
// with ErrNoSignature if the blob carries none.
func (v ConfigView) Verify(verify Verifier) error {
	sig, ok := v.GetSignature()
	if !ok {
		return ErrNoSignature
	}
	// The signature atom's own 4-byte header plus its value are
	// excluded; everything before it (header + prior atoms) is signed.
	signedLen := len(v.data) - 4 - len(sig)
	if err := verify(v.data[:signedLen], sig); err != nil {
		return fmt.Errorf("rbc: signature verification: %w", err)
	}
	return nil
}
