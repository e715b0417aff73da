// Package kms wraps the data keys that seal paste content and file blobs at
// rest, and resolves operational secrets. Providers are tried in order Vault
// transit, AWS KMS, then a local key from the environment.
package kms

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	vault "github.com/hashicorp/vault/api"
)

var (
	ErrProviderUnavailable = errors.New("kms provider unavailable")
	ErrDecryptionFailed    = errors.New("decryption failed")
)

// EncryptionContext is bound to every wrapped key as additional authenticated data.
type EncryptionContext map[string]string

type Provider interface {
	Encrypt(ctx context.Context, plaintext []byte, encContext EncryptionContext) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte, encContext EncryptionContext) ([]byte, error)
	GetSecret(ctx context.Context, key string) (string, error)
}

type Adapter struct {
	primary    Provider
	fallback   Provider
	failClosed bool
}

func NewAdapter(ctx context.Context) (*Adapter, error) {
	var primary, fallback Provider
	if os.Getenv("VAULT_ADDR") != "" {
		if vp, err := newVaultProvider(ctx); err == nil {
			primary = vp
		}
	}
	if primary == nil && os.Getenv("AWS_REGION") != "" {
		if ap, err := newAWSProvider(ctx); err == nil {
			primary = ap
		}
	}
	if envKey := os.Getenv("KMS_LOCAL_KEY"); envKey != "" {
		ep, err := newEnvProvider(envKey)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize env provider: %w", err)
		}
		fallback = ep
	}
	if primary == nil && fallback == nil {
		return nil, fmt.Errorf("no KMS providers available (checked Vault, AWS KMS, KMS_LOCAL_KEY)")
	}
	return &Adapter{
		primary:    primary,
		fallback:   fallback,
		failClosed: os.Getenv("KMS_FAIL_CLOSED") != "false",
	}, nil
}

// NewLocalAdapter builds an adapter around a single base64-encoded 32-byte key.
func NewLocalAdapter(b64Key string) (*Adapter, error) {
	ep, err := newEnvProvider(b64Key)
	if err != nil {
		return nil, err
	}
	return &Adapter{fallback: ep, failClosed: true}, nil
}

func (a *Adapter) Encrypt(ctx context.Context, plaintext []byte, encContext EncryptionContext) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if a.primary != nil {
		ciphertext, err := a.primary.Encrypt(ctx, plaintext, encContext)
		if err == nil {
			return ciphertext, nil
		}
		if a.failClosed {
			return nil, fmt.Errorf("kms encrypt failed (fail-closed): %w", err)
		}
	}
	if a.fallback != nil {
		return a.fallback.Encrypt(ctx, plaintext, encContext)
	}
	return nil, ErrProviderUnavailable
}

func (a *Adapter) Decrypt(ctx context.Context, ciphertext []byte, encContext EncryptionContext) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if a.primary != nil {
		plaintext, err := a.primary.Decrypt(ctx, ciphertext, encContext)
		if err == nil {
			return plaintext, nil
		}
		if a.failClosed {
			return nil, fmt.Errorf("kms decrypt failed (fail-closed): %w", err)
		}
	}
	if a.fallback != nil {
		return a.fallback.Decrypt(ctx, ciphertext, encContext)
	}
	return nil, ErrProviderUnavailable
}

func (a *Adapter) GetSecret(ctx context.Context, key string) (string, error) {
	if a.primary != nil {
		val, err := a.primary.GetSecret(ctx, key)
		if err == nil && val != "" {
			return val, nil
		}
		if a.failClosed {
			return "", fmt.Errorf("get secret failed (fail-closed): %w", err)
		}
	}
	if a.fallback != nil {
		return a.fallback.GetSecret(ctx, key)
	}
	return "", ErrProviderUnavailable
}

// serialize renders the context with sorted keys so AAD is order independent.
func (c EncryptionContext) serialize() []byte {
	if len(c) == 0 {
		return nil
	}
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var buf bytes.Buffer
	for _, k := range keys {
		buf.WriteString(k)
		buf.WriteByte('=')
		buf.WriteString(c[k])
		buf.WriteByte(';')
	}
	return buf.Bytes()
}

type vaultProvider struct {
	client     *vault.Client
	mountPath  string
	keyID      string
	secretPath string
}

func newVaultProvider(ctx context.Context) (*vaultProvider, error) {
	cfg := vault.DefaultConfig()
	cfg.Address = os.Getenv("VAULT_ADDR")
	cfg.Timeout = 5 * time.Second
	client, err := vault.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	if tokenFile := os.Getenv("VAULT_TOKEN_FILE"); tokenFile != "" {
		tokenBytes, err := os.ReadFile(tokenFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read VAULT_TOKEN_FILE: %w", err)
		}
		client.SetToken(strings.TrimSpace(string(tokenBytes)))
	} else if token := os.Getenv("VAULT_TOKEN"); token != "" {
		client.SetToken(token)
	}
	healthCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := client.Sys().HealthWithContext(healthCtx); err != nil {
		return nil, fmt.Errorf("vault health check failed: %w", err)
	}
	return &vaultProvider{
		client:     client,
		mountPath:  getEnvOrDefault("VAULT_MOUNT_PATH", "transit"),
		keyID:      getEnvOrDefault("VAULT_KEY_ID", "keydrop-master"),
		secretPath: getEnvOrDefault("VAULT_SECRET_PATH", "secret/data/keydrop"),
	}, nil
}

func (v *vaultProvider) Encrypt(ctx context.Context, plaintext []byte, encContext EncryptionContext) ([]byte, error) {
	data := map[string]interface{}{
		"plaintext": base64.StdEncoding.EncodeToString(plaintext),
	}
	if aad := encContext.serialize(); len(aad) > 0 {
		data["context"] = base64.StdEncoding.EncodeToString(aad)
	}
	secret, err := v.client.Logical().WriteWithContext(ctx, fmt.Sprintf("%s/encrypt/%s", v.mountPath, v.keyID), data)
	if err != nil {
		return nil, err
	}
	ciphertext, ok := secret.Data["ciphertext"].(string)
	if !ok {
		return nil, errors.New("vault: ciphertext not found")
	}
	return []byte(ciphertext), nil
}

func (v *vaultProvider) Decrypt(ctx context.Context, ciphertext []byte, encContext EncryptionContext) ([]byte, error) {
	data := map[string]interface{}{
		"ciphertext": string(ciphertext),
	}
	if aad := encContext.serialize(); len(aad) > 0 {
		data["context"] = base64.StdEncoding.EncodeToString(aad)
	}
	secret, err := v.client.Logical().WriteWithContext(ctx, fmt.Sprintf("%s/decrypt/%s", v.mountPath, v.keyID), data)
	if err != nil {
		return nil, err
	}
	plaintextB64, ok := secret.Data["plaintext"].(string)
	if !ok {
		return nil, errors.New("vault: plaintext not found")
	}
	return base64.StdEncoding.DecodeString(plaintextB64)
}

func (v *vaultProvider) GetSecret(ctx context.Context, key string) (string, error) {
	secret, err := v.client.Logical().ReadWithContext(ctx, fmt.Sprintf("%s/%s", v.secretPath, key))
	if err != nil {
		return "", err
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("secret not found: %s", key)
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return "", errors.New("vault: invalid secret format")
	}
	value, ok := data["value"].(string)
	if !ok {
		return "", errors.New("vault: value not found")
	}
	return value, nil
}

type awsProvider struct {
	kmsClient *kms.Client
	smClient  *secretsmanager.Client
	keyID     string
}

func newAWSProvider(ctx context.Context) (*awsProvider, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(os.Getenv("AWS_REGION")))
	if err != nil {
		return nil, err
	}
	return &awsProvider{
		kmsClient: kms.NewFromConfig(cfg),
		smClient:  secretsmanager.NewFromConfig(cfg),
		keyID:     getEnvOrDefault("KMS_MASTER_KEY_ID", "alias/keydrop-master"),
	}, nil
}

func (a *awsProvider) Encrypt(ctx context.Context, plaintext []byte, encContext EncryptionContext) ([]byte, error) {
	result, err := a.kmsClient.Encrypt(ctx, &kms.EncryptInput{
		KeyId:             &a.keyID,
		Plaintext:         plaintext,
		EncryptionContext: encContext,
	})
	if err != nil {
		return nil, fmt.Errorf("aws kms encrypt failed: %w", err)
	}
	return result.CiphertextBlob, nil
}

func (a *awsProvider) Decrypt(ctx context.Context, ciphertext []byte, encContext EncryptionContext) ([]byte, error) {
	result, err := a.kmsClient.Decrypt(ctx, &kms.DecryptInput{
		CiphertextBlob:    ciphertext,
		EncryptionContext: encContext,
	})
	if err != nil {
		return nil, fmt.Errorf("aws kms decrypt failed: %w", err)
	}
	return result.Plaintext, nil
}

func (a *awsProvider) GetSecret(ctx context.Context, key string) (string, error) {
	result, err := a.smClient.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &key,
	})
	if err != nil {
		return "", fmt.Errorf("failed to get secret %s: %w", key, err)
	}
	if result.SecretString == nil {
		return "", errors.New("secret is binary, not string")
	}
	return *result.SecretString, nil
}

type envProvider struct {
	aead cipher.AEAD
}

func newEnvProvider(key string) (*envProvider, error) {
	if key == "" {
		return nil, fmt.Errorf("KMS_LOCAL_KEY environment variable is required")
	}
	decoded, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("KMS_LOCAL_KEY must be base64-encoded: %w", err)
	}
	if len(decoded) != 32 {
		return nil, fmt.Errorf("KMS_LOCAL_KEY must be exactly 32 bytes when decoded (got %d bytes)", len(decoded))
	}
	block, err := aes.NewCipher(decoded)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &envProvider{aead: aead}, nil
}

func (e *envProvider) Encrypt(ctx context.Context, plaintext []byte, encContext EncryptionContext) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return e.aead.Seal(nonce, nonce, plaintext, encContext.serialize()), nil
}

func (e *envProvider) Decrypt(ctx context.Context, ciphertext []byte, encContext EncryptionContext) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	nonceSize := e.aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, errors.New("ciphertext too short")
	}
	plaintext, err := e.aead.Open(nil, ciphertext[:nonceSize], ciphertext[nonceSize:], encContext.serialize())
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

func (e *envProvider) GetSecret(ctx context.Context, key string) (string, error) {
	val, exists := os.LookupEnv(key)
	if !exists {
		return "", fmt.Errorf("secret not found: %s", key)
	}
	return val, nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
