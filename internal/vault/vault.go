// Package vault encrypts per-user provider keys at rest and resolves which key a
// provider call should use. Plaintext keys leave this package only as the return
// value of Resolve and are never logged.
package vault

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/comigor/mira-go/internal/apperr"
	"github.com/comigor/mira-go/internal/logger"
)

// Source tells where a resolved credential came from.
type Source string

const (
	SourceUser    Source = "user"
	SourceDefault Source = "default"
)

// Credential is a decrypted key ready for a single provider call.
type Credential struct {
	Key    string
	Source Source
}

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_.\-]+$`)

const maxKeyLen = 512

// Vault ties the cipher, the record store and the operator default keys together.
type Vault struct {
	cipher   *Cipher
	records  RecordStore
	defaults map[string]string
	now      func() time.Time
}

func New(c *Cipher, records RecordStore, defaults map[string]string) *Vault {
	if defaults == nil {
		defaults = map[string]string{}
	}
	return &Vault{cipher: c, records: records, defaults: defaults, now: time.Now}
}

// Save encrypts plaintext and upserts it as owner's key for provider.
func (v *Vault) Save(ctx context.Context, owner, provider, plaintext string) error {
	key := strings.TrimSpace(plaintext)
	if key == "" {
		return apperr.New(apperr.KindValidation, "api key must not be empty")
	}
	if len(key) > maxKeyLen || !keyPattern.MatchString(key) {
		return apperr.New(apperr.KindValidation, "api key has an invalid format")
	}

	blob, err := v.cipher.Encrypt(key)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, err, "could not protect the api key")
	}
	err = v.records.SaveRecord(ctx, Record{
		Owner:     owner,
		Provider:  provider,
		Secret:    blob,
		UpdatedAt: v.now(),
	})
	if err != nil {
		return apperr.Wrap(apperr.KindPersistence, err, "could not save the api key")
	}
	logger.L.Info("credential saved", "owner", owner, "provider", provider)
	return nil
}

// Status reports, for each provider, whether owner has a stored key.
func (v *Vault) Status(ctx context.Context, owner string, providers []string) (map[string]bool, error) {
	stored, err := v.records.ListProviders(ctx, owner)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindPersistence, err, "could not read credential status")
	}
	have := make(map[string]bool, len(stored))
	for _, p := range stored {
		have[p] = true
	}
	out := make(map[string]bool, len(providers))
	for _, p := range providers {
		out[p] = have[p]
	}
	return out, nil
}

// Resolve picks the key for a call to provider on behalf of owner: the owner's stored
// key when it decrypts, else the operator default, else missing_credential.
func (v *Vault) Resolve(ctx context.Context, owner, provider string) (Credential, error) {
	rec, found, err := v.records.GetRecord(ctx, owner, provider)
	switch {
	case err != nil:
		logger.L.Warn("credential lookup failed; trying default key", "owner", owner, "provider", provider, "error", err)
	case found:
		key, derr := v.cipher.Decrypt(rec.Secret)
		if derr == nil {
			return Credential{Key: key, Source: SourceUser}, nil
		}
		logger.L.Warn("stored credential is undecryptable; trying default key", "owner", owner, "provider", provider, "error", derr)
	}

	if key := v.defaults[provider]; key != "" {
		return Credential{Key: key, Source: SourceDefault}, nil
	}
	return Credential{}, apperr.Newf(apperr.KindMissingCredential, "no api key configured for provider %q, please add one in settings", provider).WithProvider(provider)
}
