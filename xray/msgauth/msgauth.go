// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package msgauth implements HMAC message authentication for device
// payloads. Signatures cover a fixed-order parameter string binding the
// device id, a payload digest, a timestamp, and a one-time nonce.
package msgauth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"hash"
	"time"

	"github.com/zeebo/errs"
)

var (
	// Error is the default msgauth error class.
	Error = errs.Class("msgauth")

	// ErrAlgorithmMismatch means the message declares a different algorithm
	// than the verifier is configured for.
	ErrAlgorithmMismatch = errs.Class("algorithm_mismatch")
	// ErrTimestampSkew means the signed timestamp is too far from the local
	// clock.
	ErrTimestampSkew = errs.Class("timestamp_skew")
	// ErrNonceFormat means the nonce is not a hex string of the configured
	// length.
	ErrNonceFormat = errs.Class("nonce_format")
	// ErrSignatureMismatch means the recomputed signature differs.
	ErrSignatureMismatch = errs.Class("signature_mismatch")
	// ErrNonceUnavailable means the nonce backend could not be reached.
	// Retryable, unlike the other verification failures.
	ErrNonceUnavailable = errs.Class("nonce_check_unavailable")
)

// Algorithm selects the HMAC digest.
type Algorithm string

// Supported algorithms.
const (
	AlgorithmSHA256 Algorithm = "sha256"
	AlgorithmSHA512 Algorithm = "sha512"
)

func (a Algorithm) new() func() hash.Hash {
	switch a {
	case AlgorithmSHA512:
		return sha512.New
	default:
		return sha256.New
	}
}

// Valid reports whether the algorithm is supported.
func (a Algorithm) Valid() bool {
	return a == AlgorithmSHA256 || a == AlgorithmSHA512
}

// Config holds the shared authentication parameters.
type Config struct {
	Secret             string        `help:"shared secret for signing device messages" default:""`
	Algorithm          string        `help:"signature algorithm (sha256 or sha512)" default:"sha256"`
	TimestampTolerance time.Duration `help:"maximum allowed skew between the signed timestamp and the local clock" default:"5m" testDefault:"1m"`
}

// FormatTimestamp renders the timestamp the way it travels in the envelope.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// baseString builds the signed parameter string. Keys are concatenated in
// lexical order so both sides derive identical bytes.
func baseString(algorithm Algorithm, deviceID, nonce, payloadHash, timestamp string) []byte {
	buf := make([]byte, 0, 96+len(deviceID)+len(nonce)+len(payloadHash)+len(timestamp))
	buf = append(buf, "algorithm="...)
	buf = append(buf, string(algorithm)...)
	buf = append(buf, "&deviceId="...)
	buf = append(buf, deviceID...)
	buf = append(buf, "&nonce="...)
	buf = append(buf, nonce...)
	buf = append(buf, "&payload="...)
	buf = append(buf, payloadHash...)
	buf = append(buf, "&timestamp="...)
	buf = append(buf, timestamp...)
	return buf
}

func digest(secret []byte, algorithm Algorithm, data []byte) string {
	mac := hmac.New(algorithm.new(), secret)
	_, _ = mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

// Signer signs outgoing payloads.
type Signer struct {
	secret    []byte
	algorithm Algorithm
	nonceLen  int
}

// NewSigner creates a signer from the shared config. The nonce length is in
// bytes of randomness; the encoded nonce is twice as long.
func NewSigner(config Config, nonceLength int) (*Signer, error) {
	if config.Secret == "" {
		return nil, Error.New("signing secret is not set")
	}
	algorithm := Algorithm(config.Algorithm)
	if !algorithm.Valid() {
		return nil, Error.New("unsupported algorithm %q", config.Algorithm)
	}
	if nonceLength <= 0 {
		return nil, Error.New("invalid nonce length %d", nonceLength)
	}
	return &Signer{
		secret:    []byte(config.Secret),
		algorithm: algorithm,
		nonceLen:  nonceLength,
	}, nil
}

// Algorithm returns the configured algorithm name.
func (signer *Signer) Algorithm() string { return string(signer.algorithm) }

// PayloadHash digests the raw body under the shared secret. The result is
// what gets signed, keeping the base string fixed-length.
func (signer *Signer) PayloadHash(body []byte) string {
	return digest(signer.secret, signer.algorithm, body)
}

// Sign computes the signature over the canonical parameter string.
func (signer *Signer) Sign(deviceID, payloadHash, timestamp, nonce string) string {
	base := baseString(signer.algorithm, deviceID, nonce, payloadHash, timestamp)
	return digest(signer.secret, signer.algorithm, base)
}

// GenerateNonce returns a fresh random nonce in hex form.
func (signer *Signer) GenerateNonce() (string, error) {
	buf := make([]byte, signer.nonceLen)
	if _, err := rand.Read(buf); err != nil {
		return "", Error.Wrap(err)
	}
	return hex.EncodeToString(buf), nil
}

// Verifier checks inbound signatures.
type Verifier struct {
	secret    []byte
	algorithm Algorithm
	tolerance time.Duration
	nonceLen  int

	nowFn func() time.Time
}

// NewVerifier creates a verifier from the shared config.
func NewVerifier(config Config, nonceLength int) (*Verifier, error) {
	if config.Secret == "" {
		return nil, Error.New("signing secret is not set")
	}
	algorithm := Algorithm(config.Algorithm)
	if !algorithm.Valid() {
		return nil, Error.New("unsupported algorithm %q", config.Algorithm)
	}
	if nonceLength <= 0 {
		return nil, Error.New("invalid nonce length %d", nonceLength)
	}
	return &Verifier{
		secret:    []byte(config.Secret),
		algorithm: algorithm,
		tolerance: config.TimestampTolerance,
		nonceLen:  nonceLength,
		nowFn:     time.Now,
	}, nil
}

// SetNow overrides the clock, for tests.
func (verifier *Verifier) SetNow(nowFn func() time.Time) {
	verifier.nowFn = nowFn
}

// Verify checks the signature of a message. The timestamp string must be the
// exact value from the envelope; it participates in the signed bytes.
func (verifier *Verifier) Verify(deviceID string, body []byte, signature, timestamp, nonce, algorithm string) error {
	if Algorithm(algorithm) != verifier.algorithm {
		return ErrAlgorithmMismatch.New("got %q, want %q", algorithm, verifier.algorithm)
	}

	signedAt, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return ErrTimestampSkew.New("unparsable timestamp %q", timestamp)
	}
	if skew := verifier.nowFn().Sub(signedAt); skew > verifier.tolerance || skew < -verifier.tolerance {
		return ErrTimestampSkew.New("signed timestamp is %s away from local clock", skew)
	}

	if err := verifier.checkNonceFormat(nonce); err != nil {
		return err
	}

	payloadHash := digest(verifier.secret, verifier.algorithm, body)
	base := baseString(verifier.algorithm, deviceID, nonce, payloadHash, timestamp)
	expected := digest(verifier.secret, verifier.algorithm, base)

	if subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) != 1 {
		return ErrSignatureMismatch.New("signature does not match")
	}
	return nil
}

func (verifier *Verifier) checkNonceFormat(nonce string) error {
	if len(nonce) != verifier.nonceLen*2 {
		return ErrNonceFormat.New("nonce length is %d, want %d", len(nonce), verifier.nonceLen*2)
	}
	if _, err := hex.DecodeString(nonce); err != nil {
		return ErrNonceFormat.New("nonce is not hex encoded")
	}
	return nil
}
