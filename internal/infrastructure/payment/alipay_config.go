package payment

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

// AlipayConfig contains configuration for the Alipay Open Platform API.
type AlipayConfig struct {
	// AppID is the Alipay application ID
	AppID string
	// PrivateKey is the application private key for signing requests
	PrivateKey *rsa.PrivateKey
	// AlipayPublicKey is Alipay's public key for verifying responses/callbacks
	AlipayPublicKey *rsa.PublicKey
	// IsSandbox indicates whether to use sandbox environment
	IsSandbox bool
	// SignType is the signature algorithm (RSA2 recommended)
	SignType string
	// NotifyURL is the callback URL for payment notifications
	NotifyURL string
}

var (
	ErrAlipayMissingAppID      = errors.New("alipay: missing app ID")
	ErrAlipayMissingPrivateKey = errors.New("alipay: missing private key")
	ErrAlipayInvalidPrivateKey = errors.New("alipay: invalid private key format")
	ErrAlipayMissingPublicKey  = errors.New("alipay: missing Alipay public key")
	ErrAlipayInvalidPublicKey  = errors.New("alipay: invalid Alipay public key format")
	ErrAlipayMissingNotifyURL  = errors.New("alipay: missing notify URL")
	ErrAlipayInvalidSignType   = errors.New("alipay: invalid sign type, must be RSA2 or RSA")
)

// Validate checks the configuration and applies the RSA2 default.
func (c *AlipayConfig) Validate() error {
	if c.AppID == "" {
		return ErrAlipayMissingAppID
	}
	if c.PrivateKey == nil {
		return ErrAlipayMissingPrivateKey
	}
	if c.AlipayPublicKey == nil {
		return ErrAlipayMissingPublicKey
	}
	if c.SignType == "" {
		c.SignType = "RSA2"
	}
	if c.SignType != "RSA2" && c.SignType != "RSA" {
		return ErrAlipayInvalidSignType
	}
	if c.NotifyURL == "" {
		return ErrAlipayMissingNotifyURL
	}
	return nil
}

// parseAlipayPrivateKey decodes a PEM private key. Alipay issues keys in
// both PKCS8 and PKCS1 encodings depending on the console used to
// generate them, so both are accepted.
func parseAlipayPrivateKey(pemStr string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, ErrAlipayInvalidPrivateKey
	}

	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, ErrAlipayInvalidPrivateKey
		}
		return rsaKey, nil
	}

	rsaKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAlipayInvalidPrivateKey, err)
	}
	return rsaKey, nil
}

// parseAlipayPublicKey decodes a PEM encoded PKIX public key.
func parseAlipayPublicKey(pemStr string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, ErrAlipayInvalidPublicKey
	}

	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAlipayInvalidPublicKey, err)
	}

	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, ErrAlipayInvalidPublicKey
	}
	return rsaKey, nil
}

// AlipayConfigBuilder assembles an AlipayConfig. The first setter error
// sticks and is reported by Build.
type AlipayConfigBuilder struct {
	config AlipayConfig
	err    error
}

// NewAlipayConfigBuilder creates a builder with the RSA2 default.
func NewAlipayConfigBuilder() *AlipayConfigBuilder {
	return &AlipayConfigBuilder{
		config: AlipayConfig{SignType: "RSA2"},
	}
}

// SetAppID sets the app ID.
func (b *AlipayConfigBuilder) SetAppID(appID string) *AlipayConfigBuilder {
	b.config.AppID = appID
	return b
}

// SetPrivateKeyFromPEM sets the application private key from a PEM string.
func (b *AlipayConfigBuilder) SetPrivateKeyFromPEM(pemStr string) *AlipayConfigBuilder {
	if b.err != nil {
		return b
	}
	b.config.PrivateKey, b.err = parseAlipayPrivateKey(pemStr)
	return b
}

// SetPrivateKeyFromFile sets the application private key from a file.
func (b *AlipayConfigBuilder) SetPrivateKeyFromFile(path string) *AlipayConfigBuilder {
	if b.err != nil {
		return b
	}

	data, err := os.ReadFile(path)
	if err != nil {
		b.err = fmt.Errorf("alipay: failed to read private key file: %w", err)
		return b
	}
	return b.SetPrivateKeyFromPEM(string(data))
}

// SetAlipayPublicKeyFromPEM sets Alipay's public key from a PEM string.
func (b *AlipayConfigBuilder) SetAlipayPublicKeyFromPEM(pemStr string) *AlipayConfigBuilder {
	if b.err != nil {
		return b
	}
	b.config.AlipayPublicKey, b.err = parseAlipayPublicKey(pemStr)
	return b
}

// SetAlipayPublicKeyFromFile sets Alipay's public key from a file.
func (b *AlipayConfigBuilder) SetAlipayPublicKeyFromFile(path string) *AlipayConfigBuilder {
	if b.err != nil {
		return b
	}

	data, err := os.ReadFile(path)
	if err != nil {
		b.err = fmt.Errorf("alipay: failed to read public key file: %w", err)
		return b
	}
	return b.SetAlipayPublicKeyFromPEM(string(data))
}

// SetIsSandbox selects the sandbox gateway.
func (b *AlipayConfigBuilder) SetIsSandbox(isSandbox bool) *AlipayConfigBuilder {
	b.config.IsSandbox = isSandbox
	return b
}

// SetSignType sets the signature type (RSA2 or RSA).
func (b *AlipayConfigBuilder) SetSignType(signType string) *AlipayConfigBuilder {
	b.config.SignType = signType
	return b
}

// SetNotifyURL sets the notify URL.
func (b *AlipayConfigBuilder) SetNotifyURL(url string) *AlipayConfigBuilder {
	b.config.NotifyURL = url
	return b
}

// Build validates and returns the assembled config.
func (b *AlipayConfigBuilder) Build() (*AlipayConfig, error) {
	if b.err != nil {
		return nil, b.err
	}
	if err := b.config.Validate(); err != nil {
		return nil, err
	}
	return &b.config, nil
}
