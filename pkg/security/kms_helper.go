package security

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"
)

// KMSClient is the subset of the KMS API used to sign audit segments.
type KMSClient interface {
	Sign(ctx context.Context, params *kms.SignInput, optFns ...func(*kms.Options)) (*kms.SignOutput, error)
	GetPublicKey(ctx context.Context, params *kms.GetPublicKeyInput, optFns ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error)
	DescribeKey(ctx context.Context, params *kms.DescribeKeyInput, optFns ...func(*kms.Options)) (*kms.DescribeKeyOutput, error)
}

// Config

type KMSConfig struct {
	KeyID     string
	Algorithm kmstypes.SigningAlgorithmSpec
	Timeout   time.Duration

	// Public key cache TTL for the verify path. Defaults to 24h.
	PublicKeyCacheTTL time.Duration
}

// Helper signs SHA-256 digests of archived audit segments with an
// asymmetric KMS key and verifies them offline with the cached public key.
type Helper struct {
	client KMSClient
	cfg    KMSConfig

	mu              sync.Mutex
	pubKeyParsed    crypto.PublicKey
	pubKeyFetchedAt time.Time
}

// Constructors

func NewKMSHelper(ctx context.Context, cfg KMSConfig, optFns ...func(*awscfg.LoadOptions) error) (*Helper, error) {
	if cfg.KeyID == "" {
		return nil, errors.New("kms: KeyID required")
	}
	awsCfg, err := awscfg.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return WithClient(kms.NewFromConfig(awsCfg), cfg), nil
}

func WithClient(client KMSClient, cfg KMSConfig) *Helper {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.PublicKeyCacheTTL <= 0 {
		cfg.PublicKeyCacheTTL = 24 * time.Hour
	}
	if cfg.Algorithm == "" {
		cfg.Algorithm = kmstypes.SigningAlgorithmSpecRsassaPssSha256
	}
	return &Helper{client: client, cfg: cfg}
}

// SignDigest signs a SHA-256 digest.
func (h *Helper) SignDigest(ctx context.Context, digest []byte) ([]byte, error) {
	if len(digest) != crypto.SHA256.Size() {
		return nil, fmt.Errorf("kms: digest must be %d bytes", crypto.SHA256.Size())
	}
	cctx, cancel := context.WithTimeout(ctx, h.cfg.Timeout)
	defer cancel()

	out, err := h.client.Sign(cctx, &kms.SignInput{
		KeyId:            aws.String(h.cfg.KeyID),
		Message:          digest,
		MessageType:      kmstypes.MessageTypeDigest,
		SigningAlgorithm: h.cfg.Algorithm,
	})
	if err != nil {
		return nil, fmt.Errorf("kms Sign: %w", err)
	}
	return out.Signature, nil
}

func (h *Helper) GetPublicKey(ctx context.Context) (crypto.PublicKey, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pubKeyParsed != nil && time.Since(h.pubKeyFetchedAt) < h.cfg.PublicKeyCacheTTL {
		return h.pubKeyParsed, nil
	}

	cctx, cancel := context.WithTimeout(ctx, h.cfg.Timeout)
	defer cancel()

	out, err := h.client.GetPublicKey(cctx, &kms.GetPublicKeyInput{
		KeyId: aws.String(h.cfg.KeyID),
	})
	if err != nil {
		return nil, fmt.Errorf("kms GetPublicKey: %w", err)
	}
	if out.PublicKey == nil {
		return nil, errors.New("kms: GetPublicKey returned nil")
	}
	pub, err := x509.ParsePKIXPublicKey(out.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("kms parse public key: %w", err)
	}
	switch pub.(type) {
	case *rsa.PublicKey, *ecdsa.PublicKey:
	default:
		return nil, fmt.Errorf("kms: unsupported public key type %T", pub)
	}
	h.pubKeyParsed = pub
	h.pubKeyFetchedAt = time.Now()
	return pub, nil
}

// VerifyDigest checks a signature produced by SignDigest.
func (h *Helper) VerifyDigest(ctx context.Context, digest, signature []byte) error {
	pub, err := h.GetPublicKey(ctx)
	if err != nil {
		return err
	}

	switch p := pub.(type) {
	case *rsa.PublicKey:
		switch h.cfg.Algorithm {
		case kmstypes.SigningAlgorithmSpecRsassaPssSha256:
			opts := &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: crypto.SHA256}
			if err := rsa.VerifyPSS(p, crypto.SHA256, digest, signature, opts); err != nil {
				return fmt.Errorf("rsa pss verify failed: %w", err)
			}
			return nil
		case kmstypes.SigningAlgorithmSpecRsassaPkcs1V15Sha256:
			if err := rsa.VerifyPKCS1v15(p, crypto.SHA256, digest, signature); err != nil {
				return fmt.Errorf("rsa pkcs1v15 verify failed: %w", err)
			}
			return nil
		default:
			return fmt.Errorf("unsupported RSA signing algorithm: %s", h.cfg.Algorithm)
		}
	case *ecdsa.PublicKey:
		if h.cfg.Algorithm != kmstypes.SigningAlgorithmSpecEcdsaSha256 {
			return fmt.Errorf("unsupported ECDSA signing algorithm: %s", h.cfg.Algorithm)
		}
		if !ecdsa.VerifyASN1(p, digest, signature) {
			return errors.New("ecdsa verify failed")
		}
		return nil
	default:
		return fmt.Errorf("unsupported public key type: %T", pub)
	}
}

// KeyHealth reports the key state for the security health check.
func (h *Helper) KeyHealth(ctx context.Context) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, h.cfg.Timeout)
	defer cancel()

	out, err := h.client.DescribeKey(cctx, &kms.DescribeKeyInput{
		KeyId: aws.String(h.cfg.KeyID),
	})
	if err != nil {
		return "unavailable", err
	}
	if out.KeyMetadata == nil {
		return "unknown", nil
	}

	switch out.KeyMetadata.KeyState {
	case kmstypes.KeyStateEnabled:
		return "healthy", nil
	case kmstypes.KeyStatePendingDeletion:
		return "pending_deletion", nil
	default:
		return string(out.KeyMetadata.KeyState), nil
	}
}
