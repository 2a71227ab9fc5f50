// Package kms decrypts the Kalshi private key with AWS KMS and seals the
// plaintext into a memguard enclave.
package kms

import (
	"context"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/kms"
)

// ErrEmptyPlaintext is returned when KMS decrypts to nothing.
var ErrEmptyPlaintext = errors.New("kms: empty plaintext")

// Options selects the KMS endpoint. A non-empty Endpoint targets a local
// emulator with static dummy credentials.
type Options struct {
	Region   string
	Endpoint string
}

type decrypter interface {
	Decrypt(ctx context.Context, in *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// Client wraps the KMS SDK.
type Client struct {
	kms decrypter
}

// New creates a Client using the default AWS credential chain, or static
// credentials when opts.Endpoint is set.
func New(ctx context.Context, opts Options) (*Client, error) {
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(opts.Region)}
	if opts.Endpoint != "" {
		loadOpts = append(loadOpts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("test", "test", "test")),
		)
	}

	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("kms: load aws config: %w", err)
	}

	var kmsOpts []func(*kms.Options)
	if opts.Endpoint != "" {
		kmsOpts = append(kmsOpts, func(o *kms.Options) {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		})
	}
	return &Client{kms: kms.NewFromConfig(cfg, kmsOpts...)}, nil
}

// DecryptKey decrypts ciphertext and returns the plaintext sealed in an
// enclave. The intermediate buffer is wiped before returning.
func (c *Client) DecryptKey(ctx context.Context, ciphertext []byte) (*memguard.Enclave, error) {
	out, err := c.kms.Decrypt(ctx, &kms.DecryptInput{CiphertextBlob: ciphertext})
	if err != nil {
		return nil, fmt.Errorf("kms: decrypt: %w", err)
	}
	if len(out.Plaintext) == 0 {
		return nil, ErrEmptyPlaintext
	}
	// NewEnclave copies and wipes the source slice.
	return memguard.NewEnclave(out.Plaintext), nil
}
