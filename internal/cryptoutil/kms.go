package cryptoutil

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"

	"github.com/keithlinneman/govexport/internal/xerrors"
)

// kmsAPI is the subset of the KMS API used for signing and key retrieval.
type kmsAPI interface {
	GetPublicKey(ctx context.Context, params *kms.GetPublicKeyInput, optFns ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error)
	Sign(ctx context.Context, params *kms.SignInput, optFns ...func(*kms.Options)) (*kms.SignOutput, error)
}

// KMSSigner signs short messages (manifest hashes) with an asymmetric KMS key
// and verifies signatures locally against the cached public key.
type KMSSigner struct {
	client kmsAPI
	keyARN string

	// AllowPKCS1v15 accepts RSA PKCS1v15 signatures on verify when PSS fails.
	// Signing always uses PSS.
	AllowPKCS1v15 bool

	mu     sync.RWMutex
	pubKey crypto.PublicKey
}

func NewKMSSigner(client *kms.Client, keyARN string) *KMSSigner {
	return &KMSSigner{client: client, keyARN: keyARN}
}

// KeyID returns the configured key ARN.
func (s *KMSSigner) KeyID() string { return s.keyARN }

// PublicKey fetches and caches the KMS public key.
// First call hits KMS API, subsequent calls return cached key.
func (s *KMSSigner) PublicKey(ctx context.Context) (crypto.PublicKey, error) {
	s.mu.RLock()
	if s.pubKey != nil {
		defer s.mu.RUnlock()
		return s.pubKey, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pubKey != nil {
		return s.pubKey, nil
	}

	if s.client == nil {
		return nil, xerrors.New("kms client is not configured")
	}

	out, err := s.client.GetPublicKey(ctx, &kms.GetPublicKeyInput{
		KeyId: aws.String(s.keyARN),
	})
	if err != nil {
		return nil, xerrors.Wrap(err, "kms get public key")
	}

	if out.KeyUsage != kmstypes.KeyUsageTypeSignVerify {
		return nil, xerrors.Newf("kms key %s has KeyUsage=%s, expected SIGN_VERIFY", s.keyARN, out.KeyUsage)
	}

	pub, err := x509.ParsePKIXPublicKey(out.PublicKey)
	if err != nil {
		return nil, xerrors.Wrap(err, "parse kms public key DER")
	}

	s.pubKey = pub
	return s.pubKey, nil
}

// signingAlgorithm maps the key type to the KMS algorithm that matches the
// local verification rules in VerifySignature.
func signingAlgorithm(pub crypto.PublicKey) (kmstypes.SigningAlgorithmSpec, error) {
	switch key := pub.(type) {
	case *ecdsa.PublicKey:
		switch key.Curve {
		case elliptic.P256():
			return kmstypes.SigningAlgorithmSpecEcdsaSha256, nil
		case elliptic.P384():
			return kmstypes.SigningAlgorithmSpecEcdsaSha384, nil
		default:
			return "", xerrors.Newf("unsupported ECDSA curve: %v", key.Curve.Params().Name)
		}
	case *rsa.PublicKey:
		return kmstypes.SigningAlgorithmSpecRsassaPssSha256, nil
	default:
		return "", xerrors.Newf("unsupported public key type: %T", pub)
	}
}

// Sign asks KMS to sign message (sent RAW, KMS computes the digest).
func (s *KMSSigner) Sign(ctx context.Context, message []byte) ([]byte, error) {
	pub, err := s.PublicKey(ctx)
	if err != nil {
		return nil, err
	}
	alg, err := signingAlgorithm(pub)
	if err != nil {
		return nil, err
	}
	out, err := s.client.Sign(ctx, &kms.SignInput{
		KeyId:            aws.String(s.keyARN),
		Message:          message,
		MessageType:      kmstypes.MessageTypeRaw,
		SigningAlgorithm: alg,
	})
	if err != nil {
		return nil, xerrors.Wrap(err, "kms sign")
	}
	if len(out.Signature) == 0 {
		return nil, xerrors.New("kms sign returned empty signature")
	}
	return out.Signature, nil
}

// VerifySignature fetches the public key (cached) and verifies the signature
// locally. Supports ECDSA (P-256/P-384) and RSA (PSS-only by default).
//
// Key type determines the hash algorithm:
//   - ECDSA P-384: SHA-384
//   - ECDSA P-256: SHA-256
//   - RSA: SHA-256
func (s *KMSSigner) VerifySignature(ctx context.Context, message, signature []byte) error {
	pub, err := s.PublicKey(ctx)
	if err != nil {
		return err
	}
	return VerifyWithKey(pub, message, signature, s.AllowPKCS1v15)
}

// VerifyWithKey verifies signature over message with an already parsed key.
func VerifyWithKey(pub crypto.PublicKey, message, signature []byte, allowPKCS1v15 bool) error {
	switch key := pub.(type) {
	case *ecdsa.PublicKey:
		return verifyECDSA(key, message, signature)
	case *rsa.PublicKey:
		return verifyRSA(key, message, signature, allowPKCS1v15)
	default:
		return xerrors.Newf("unsupported public key type: %T", pub)
	}
}

func verifyECDSA(key *ecdsa.PublicKey, message, signature []byte) error {
	hashFunc, digest, err := ecdsaDigest(key, message)
	if err != nil {
		return err
	}
	if !ecdsa.VerifyASN1(key, digest, signature) {
		return xerrors.Newf("ECDSA signature verification failed. hash: %s, curve: %s", hashFunc.String(), key.Curve.Params().Name)
	}
	return nil
}

func ecdsaDigest(key *ecdsa.PublicKey, message []byte) (crypto.Hash, []byte, error) {
	switch key.Curve {
	case elliptic.P256():
		d := sha256.Sum256(message)
		return crypto.SHA256, d[:], nil
	case elliptic.P384():
		d := sha512.Sum384(message)
		return crypto.SHA384, d[:], nil
	default:
		return 0, nil, xerrors.Newf("unsupported ECDSA curve: %v", key.Curve.Params().Name)
	}
}

func verifyRSA(key *rsa.PublicKey, message, signature []byte, allowFallback bool) error {
	digest := sha256.Sum256(message)

	pssErr := rsa.VerifyPSS(key, crypto.SHA256, digest[:], signature, nil)
	if pssErr == nil {
		return nil
	}

	if !allowFallback {
		return xerrors.Newf("RSA-PSS verification failed (PKCS1v15 fallback disabled): %v", pssErr)
	}
	return rsa.VerifyPKCS1v15(key, crypto.SHA256, digest[:], signature)
}
