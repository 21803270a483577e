// Package storage handles persistence of user accounts.
package storage

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/iterator"

	"iaai-notifier/pkg/tracker"
)

// Store handles account persistence, either in a GCS bucket or a local
// directory for development.
type Store struct {
	client    *storage.Client
	logger    *slog.Logger
	localPath string
	bucket    string
	salt      []byte
}

// New creates a new storage handler.
func New(client *storage.Client, bucket string, localPath string, salt []byte, logger *slog.Logger) *Store {
	return &Store{
		client:    client,
		logger:    logger,
		salt:      salt,
		localPath: localPath,
		bucket:    bucket,
	}
}

// TokenFromEmail derives a deterministic, unguessable token from an email
// address. HMAC-SHA256 with a secret salt ensures tokens cannot be guessed
// without the salt.
func (s *Store) TokenFromEmail(email string) string {
	h := hmac.New(sha256.New, s.salt)
	h.Write([]byte(strings.ToLower(strings.TrimSpace(email))))
	return hex.EncodeToString(h.Sum(nil))
}

// AccountKey generates a stable filename from a token. Validates that the
// token is a safe hex string to prevent path traversal, in constant time to
// prevent timing attacks.
func AccountKey(token string) string {
	if len(token) != 64 {
		return ""
	}

	valid := 1
	for _, c := range token {
		isHexDigit := ((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f'))
		if !isHexDigit {
			valid = 0
		}
	}

	if valid == 0 {
		return ""
	}

	return fmt.Sprintf("acct-%s.json", token)
}

// Save persists an account. The token is derived from the email when absent.
func (s *Store) Save(ctx context.Context, acct *tracker.Account) error {
	if acct.Token == "" {
		acct.Token = s.TokenFromEmail(acct.Email)
	}
	key := AccountKey(acct.Token)
	if key == "" {
		return errors.New("invalid token format")
	}
	s.logger.Debug("Saving account", "key", key, "email", acct.Email)

	data, err := json.MarshalIndent(acct, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal account: %w", err)
	}

	// Local filesystem storage
	if s.localPath != "" {
		filePath := filepath.Join(s.localPath, key)
		if err := os.WriteFile(filePath, data, 0o600); err != nil {
			return fmt.Errorf("write to local storage: %w", err)
		}

		s.logger.Info("Account saved to local storage", "path", filePath, "email", acct.Email, "continuous", acct.ContinuousEnabled)
		return nil
	}

	// Cloud Storage with retry logic for reliability
	err = retry.Do(
		func() error {
			w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					s.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying save operation after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}

	s.logger.Info("Account saved", "key", key, "email", acct.Email, "continuous", acct.ContinuousEnabled)
	return nil
}

// LoadByEmail loads an account by email address. The HMAC-derived token makes
// this an O(1) lookup.
func (s *Store) LoadByEmail(ctx context.Context, email string) (*tracker.Account, error) {
	token := s.TokenFromEmail(email)
	return s.Load(ctx, AccountKey(token))
}

// Load loads an account by key.
func (s *Store) Load(ctx context.Context, key string) (*tracker.Account, error) {
	if key == "" {
		return nil, errors.New("invalid key format")
	}

	var data []byte

	// Local filesystem storage
	if s.localPath != "" {
		var err error
		filePath := filepath.Join(s.localPath, key)
		data, err = os.ReadFile(filePath)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, errors.New("storage: object doesn't exist")
			}
			return nil, fmt.Errorf("read from local storage: %w", err)
		}
	} else {
		// Cloud Storage with retry logic for reliability
		var readData []byte
		err := retry.Do(
			func() error {
				r, openErr := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
				if openErr != nil {
					// Don't retry on "not found" errors
					if errors.Is(openErr, storage.ErrObjectNotExist) {
						return retry.Unrecoverable(fmt.Errorf("open storage reader: %w", openErr))
					}
					return fmt.Errorf("open storage reader: %w", openErr)
				}
				defer func() {
					if closeErr := r.Close(); closeErr != nil {
						s.logger.Warn("Failed to close storage reader", "error", closeErr)
					}
				}()

				var readErr error
				readData, readErr = io.ReadAll(r)
				if readErr != nil {
					return fmt.Errorf("read from storage: %w", readErr)
				}
				return nil
			},
			retry.Attempts(3),
			retry.Delay(time.Second),
			retry.MaxDelay(2*time.Minute),
			retry.MaxJitter(10*time.Second),
			retry.Context(ctx),
			retry.OnRetry(func(n uint, retryErr error) {
				s.logger.Info("Retrying load operation after error", "attempt", n, "key", key, "error", retryErr)
			}),
		)
		if err != nil {
			return nil, fmt.Errorf("load after retries: %w", err)
		}
		data = readData
	}

	var acct tracker.Account
	if err := json.Unmarshal(data, &acct); err != nil {
		return nil, fmt.Errorf("unmarshal account: %w", err)
	}

	return &acct, nil
}

// LoadByToken loads an account by its token. Validates token format before
// attempting the load so invalid tokens cost the same as missing ones.
func (s *Store) LoadByToken(ctx context.Context, token string) (*tracker.Account, error) {
	key := AccountKey(token)
	if key == "" {
		return nil, errors.New("storage: object doesn't exist")
	}
	return s.Load(ctx, key)
}

// SetContinuous flips the persisted continuous-polling flag for an account.
// The flag is written before any scheduling happens, so a crash between the
// two leaves the durable intent authoritative.
func (s *Store) SetContinuous(ctx context.Context, email string, enabled bool) error {
	acct, err := s.LoadByEmail(ctx, email)
	if err != nil {
		return fmt.Errorf("load account: %w", err)
	}
	if acct.ContinuousEnabled == enabled {
		return nil
	}
	acct.ContinuousEnabled = enabled
	return s.Save(ctx, acct)
}

// Delete removes an account by email.
func (s *Store) Delete(ctx context.Context, email string) error {
	token := s.TokenFromEmail(email)
	key := AccountKey(token)
	if key == "" {
		return errors.New("invalid token format")
	}
	s.logger.Debug("Deleting account", "key", key, "email", email)

	// Local filesystem storage
	if s.localPath != "" {
		filePath := filepath.Join(s.localPath, key)
		if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("delete from local storage: %w", err)
		}
		s.logger.Info("Account deleted from local storage", "path", filePath, "email", email)
		return nil
	}

	// Cloud Storage with retry logic for reliability
	err := retry.Do(
		func() error {
			if deleteErr := s.client.Bucket(s.bucket).Object(key).Delete(ctx); deleteErr != nil {
				// Don't retry on "not found" errors - deletion is idempotent
				if errors.Is(deleteErr, storage.ErrObjectNotExist) {
					return retry.Unrecoverable(fmt.Errorf("delete from storage: %w", deleteErr))
				}
				return fmt.Errorf("delete from storage: %w", deleteErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying delete operation after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if err != nil {
		return fmt.Errorf("delete after retries: %w", err)
	}

	s.logger.Info("Account deleted", "key", key, "email", email)
	return nil
}

// List lists all accounts.
func (s *Store) List(ctx context.Context) ([]*tracker.Account, error) {
	var accts []*tracker.Account

	// Local filesystem storage
	if s.localPath != "" {
		entries, err := os.ReadDir(s.localPath)
		if err != nil {
			return nil, fmt.Errorf("read local storage directory: %w", err)
		}

		for _, entry := range entries {
			if entry.IsDir() || !strings.HasPrefix(entry.Name(), "acct-") || !strings.HasSuffix(entry.Name(), ".json") {
				continue
			}

			acct, err := s.Load(ctx, entry.Name())
			if err != nil {
				s.logger.Warn("Failed to load account", "file", entry.Name(), "error", err)
				continue
			}

			accts = append(accts, acct)
		}

		return accts, nil
	}

	// Cloud Storage
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{
		Prefix: "acct-",
	})

	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate storage: %w", err)
		}

		acct, err := s.Load(ctx, attrs.Name)
		if err != nil {
			s.logger.Warn("Failed to load account", "key", attrs.Name, "error", err)
			continue
		}

		accts = append(accts, acct)
	}

	return accts, nil
}

// IsNotFound checks if an error indicates an account was not found.
func IsNotFound(err error) bool {
	return err != nil && strings.Contains(err.Error(), "storage: object doesn't exist")
}
