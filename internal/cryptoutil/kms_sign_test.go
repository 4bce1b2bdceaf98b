package cryptoutil

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"
)

// fakeKMS signs locally with a generated key the way KMS would for RAW messages.
type fakeKMS struct {
	priv     crypto.Signer
	usage    kmstypes.KeyUsageType
	signErr  error
	gotAlg   kmstypes.SigningAlgorithmSpec
	getCalls int
}

func (f *fakeKMS) GetPublicKey(ctx context.Context, in *kms.GetPublicKeyInput, _ ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error) {
	f.getCalls++
	der, err := x509.MarshalPKIXPublicKey(f.priv.Public())
	if err != nil {
		return nil, err
	}
	usage := f.usage
	if usage == "" {
		usage = kmstypes.KeyUsageTypeSignVerify
	}
	return &kms.GetPublicKeyOutput{KeyId: in.KeyId, PublicKey: der, KeyUsage: usage}, nil
}

func (f *fakeKMS) Sign(ctx context.Context, in *kms.SignInput, _ ...func(*kms.Options)) (*kms.SignOutput, error) {
	if f.signErr != nil {
		return nil, f.signErr
	}
	f.gotAlg = in.SigningAlgorithm
	digest := sha256.Sum256(in.Message)
	var opts crypto.SignerOpts = crypto.SHA256
	if _, ok := f.priv.(*rsa.PrivateKey); ok {
		opts = &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: crypto.SHA256}
	}
	sig, err := f.priv.Sign(rand.Reader, digest[:], opts)
	if err != nil {
		return nil, err
	}
	return &kms.SignOutput{Signature: sig, SigningAlgorithm: in.SigningAlgorithm}, nil
}

func TestKMSSigner_Sign_ECDSA_P256(t *testing.T) {
	key := generateTestECKey(t, elliptic.P256())
	fk := &fakeKMS{priv: key}
	s := &KMSSigner{client: fk, keyARN: "arn:aws:kms:us-east-2:000000000000:key/manifest"}

	msg := []byte(SHA256Hex([]byte("manifest")))
	sig, err := s.Sign(t.Context(), msg)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if fk.gotAlg != kmstypes.SigningAlgorithmSpecEcdsaSha256 {
		t.Fatalf("algorithm = %s", fk.gotAlg)
	}
	if err := s.VerifySignature(t.Context(), msg, sig); err != nil {
		t.Fatalf("VerifySignature: %v", err)
	}
	if err := s.VerifySignature(t.Context(), []byte("other"), sig); err == nil {
		t.Fatal("expected failure for different message")
	}
	if fk.getCalls != 1 {
		t.Fatalf("public key fetched %d times, want 1", fk.getCalls)
	}
}

func TestKMSSigner_Sign_RSA(t *testing.T) {
	key := generateTestRSAKey(t)
	fk := &fakeKMS{priv: key}
	s := &KMSSigner{client: fk, keyARN: "k"}

	msg := []byte("abc")
	sig, err := s.Sign(t.Context(), msg)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if fk.gotAlg != kmstypes.SigningAlgorithmSpecRsassaPssSha256 {
		t.Fatalf("algorithm = %s", fk.gotAlg)
	}
	if err := VerifyWithKey(&key.PublicKey, msg, sig, false); err != nil {
		t.Fatalf("VerifyWithKey: %v", err)
	}
}

func TestKMSSigner_Sign_Error(t *testing.T) {
	key := generateTestECKey(t, elliptic.P256())
	s := &KMSSigner{client: &fakeKMS{priv: key, signErr: errors.New("throttled")}, keyARN: "k"}
	if _, err := s.Sign(t.Context(), []byte("x")); err == nil {
		t.Fatal("expected error")
	}
}

func TestKMSSigner_WrongKeyUsage(t *testing.T) {
	key := generateTestECKey(t, elliptic.P256())
	s := &KMSSigner{client: &fakeKMS{priv: key, usage: kmstypes.KeyUsageTypeEncryptDecrypt}, keyARN: "k"}
	if _, err := s.Sign(t.Context(), []byte("x")); err == nil {
		t.Fatal("expected error for ENCRYPT_DECRYPT key")
	}
}

func TestSigningAlgorithm_UnsupportedCurve(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P521(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := signingAlgorithm(&key.PublicKey); err == nil {
		t.Fatal("expected error for P-521")
	}
}
