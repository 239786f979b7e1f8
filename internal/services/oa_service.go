package services

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
)

var (
	// ErrOANotFound covers both an explicit oaIdZalo that is not an active
	// identity of the tenant and a tenant with no active identity at all.
	ErrOANotFound = errors.New("not_found")
	// ErrMultipleOAs is returned when no oaIdZalo was given and the tenant has
	// more than one active identity. Forcing an explicit choice beats picking
	// one arbitrarily.
	ErrMultipleOAs = errors.New("multiple_oas_choose_one")

	hexKeyRe = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)
)

// OAService resolves a tenant's active Zalo OA and handles the at-rest
// encryption of its access token.
type OAService struct {
	db  *sql.DB
	key []byte
}

// ResolvedOA is an identity ready for a provider call.
type ResolvedOA struct {
	ID          string
	OAIDZalo    string
	AccessToken string
}

func NewOAService(db *sql.DB, encryptionKey string) (*OAService, error) {
	key, err := loadEncryptionKey(encryptionKey)
	if err != nil {
		return nil, err
	}
	return &OAService{db: db, key: key}, nil
}

// ResolveActiveOA selects the sending identity for a request. With an
// explicit oaIdZalo it must be an active identity owned by the tenant; with
// none, the tenant must have exactly one active identity.
func (s *OAService) ResolveActiveOA(ctx context.Context, tenantID, oaIDZalo string) (*ResolvedOA, error) {
	if oaIDZalo != "" {
		var oa ResolvedOA
		var encToken string
		err := s.db.QueryRowContext(ctx, `
            SELECT id, oa_id_zalo, access_token FROM zalo_oas
            WHERE tenant_id = $1 AND oa_id_zalo = $2 AND is_active = true
        `, tenantID, oaIDZalo).Scan(&oa.ID, &oa.OAIDZalo, &encToken)
		if err == sql.ErrNoRows {
			return nil, ErrOANotFound
		}
		if err != nil {
			return nil, err
		}

		oa.AccessToken, err = s.DecryptToken(encToken)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt access token for OA %s: %w", oa.OAIDZalo, err)
		}
		return &oa, nil
	}

	rows, err := s.db.QueryContext(ctx, `
        SELECT id, oa_id_zalo, access_token FROM zalo_oas
        WHERE tenant_id = $1 AND is_active = true
        ORDER BY created_at DESC
        LIMIT 2
    `, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var found []struct {
		oa       ResolvedOA
		encToken string
	}
	for rows.Next() {
		var f struct {
			oa       ResolvedOA
			encToken string
		}
		if err := rows.Scan(&f.oa.ID, &f.oa.OAIDZalo, &f.encToken); err != nil {
			return nil, err
		}
		found = append(found, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(found) == 0 {
		return nil, ErrOANotFound
	}
	if len(found) > 1 {
		return nil, ErrMultipleOAs
	}

	oa := found[0].oa
	oa.AccessToken, err = s.DecryptToken(found[0].encToken)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt access token for OA %s: %w", oa.OAIDZalo, err)
	}
	return &oa, nil
}

// TemplateForTenant verifies ownership and returns the template's base price.
func (s *OAService) TemplateForTenant(ctx context.Context, tenantID, templateID string) (int64, error) {
	var price int64
	err := s.db.QueryRowContext(ctx, `
        SELECT price FROM zns_templates WHERE tenant_id = $1 AND template_id = $2
    `, tenantID, templateID).Scan(&price)
	if err == sql.ErrNoRows {
		return 0, ErrTemplateNotFound
	}
	return price, err
}

// EncryptToken seals a provider access token as iv||tag||ciphertext, base64
// encoded. Used when identities are registered and by test fixtures.
func (s *OAService) EncryptToken(plaintext string) (string, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	iv := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return "", err
	}

	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)
	ciphertext, tag := sealed[:len(sealed)-gcm.Overhead()], sealed[len(sealed)-gcm.Overhead():]

	out := make([]byte, 0, len(iv)+len(tag)+len(ciphertext))
	out = append(out, iv...)
	out = append(out, tag...)
	out = append(out, ciphertext...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// DecryptToken reverses EncryptToken. Payload layout: 12-byte IV, 16-byte
// auth tag, then ciphertext.
func (s *OAService) DecryptToken(payload string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(s.key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	if len(raw) < gcm.NonceSize()+gcm.Overhead() {
		return "", errors.New("token payload too short")
	}

	iv := raw[:gcm.NonceSize()]
	tag := raw[gcm.NonceSize() : gcm.NonceSize()+gcm.Overhead()]
	ciphertext := raw[gcm.NonceSize()+gcm.Overhead():]

	plaintext, err := gcm.Open(nil, iv, append(ciphertext, tag...), nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// loadEncryptionKey accepts a 32-byte key as base64, hex or raw utf-8, in
// that order of preference.
func loadEncryptionKey(raw string) ([]byte, error) {
	if k, err := base64.StdEncoding.DecodeString(raw); err == nil && len(k) == 32 {
		return k, nil
	}
	if hexKeyRe.MatchString(raw) {
		return hex.DecodeString(raw)
	}
	if len(raw) == 32 {
		return []byte(raw), nil
	}
	return nil, errors.New("ENCRYPTION_KEY must be 32 bytes (base64 preferred)")
}
