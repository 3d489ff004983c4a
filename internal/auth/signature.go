package auth

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

	"github.com/keithlinneman/formhub-edge/internal/xerrors"
)

// SignatureVerifier checks a detached signature over a credentials file.
type SignatureVerifier interface {
	VerifySignature(ctx context.Context, message, signature []byte) error
}

// kmsKeyFetcher is the part of the KMS API the verifier uses.
type kmsKeyFetcher interface {
	GetPublicKey(ctx context.Context, params *kms.GetPublicKeyInput, optFns ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error)
}

// KMSVerifier fetches the public half of a KMS signing key once and verifies
// signatures locally. ECDSA P-256/P-384 and RSA-PSS (SHA-256) are accepted.
type KMSVerifier struct {
	client kmsKeyFetcher
	keyARN string

	mu     sync.RWMutex
	pubKey crypto.PublicKey
}

func NewKMSVerifier(client *kms.Client, keyARN string) *KMSVerifier {
	return &KMSVerifier{client: client, keyARN: keyARN}
}

// PublicKey returns the cached key, fetching it from KMS on first use.
func (v *KMSVerifier) PublicKey(ctx context.Context) (crypto.PublicKey, error) {
	v.mu.RLock()
	pub := v.pubKey
	v.mu.RUnlock()
	if pub != nil {
		return pub, nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.pubKey != nil {
		return v.pubKey, nil
	}
	if v.client == nil {
		return nil, xerrors.New("kms client is not configured")
	}

	out, err := v.client.GetPublicKey(ctx, &kms.GetPublicKeyInput{KeyId: aws.String(v.keyARN)})
	if err != nil {
		return nil, xerrors.Wrap(err, "kms get public key")
	}
	if out.KeyUsage != kmstypes.KeyUsageTypeSignVerify {
		return nil, xerrors.Newf("kms key %s has KeyUsage=%s, expected SIGN_VERIFY", v.keyARN, out.KeyUsage)
	}
	parsed, err := x509.ParsePKIXPublicKey(out.PublicKey)
	if err != nil {
		return nil, xerrors.Wrap(err, "parse kms public key DER")
	}
	v.pubKey = parsed
	return parsed, nil
}

func (v *KMSVerifier) VerifySignature(ctx context.Context, message, signature []byte) error {
	pub, err := v.PublicKey(ctx)
	if err != nil {
		return err
	}

	switch key := pub.(type) {
	case *ecdsa.PublicKey:
		var digest []byte
		switch key.Curve {
		case elliptic.P256():
			d := sha256.Sum256(message)
			digest = d[:]
		case elliptic.P384():
			d := sha512.Sum384(message)
			digest = d[:]
		default:
			return xerrors.Newf("unsupported ECDSA curve: %v", key.Curve.Params().Name)
		}
		if !ecdsa.VerifyASN1(key, digest, signature) {
			return xerrors.Newf("ECDSA signature verification failed (curve %s)", key.Curve.Params().Name)
		}
		return nil
	case *rsa.PublicKey:
		d := sha256.Sum256(message)
		if err := rsa.VerifyPSS(key, crypto.SHA256, d[:], signature, nil); err != nil {
			return xerrors.Wrap(err, "RSA-PSS signature verification failed")
		}
		return nil
	default:
		return xerrors.Newf("unsupported public key type: %T", pub)
	}
}
