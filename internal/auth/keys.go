package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const adminKeyPurpose = "ontour/admin-tooling/v1"

// DeriveKey expands secret into n bytes bound to purpose.
func DeriveKey(secret []byte, purpose string, n int) ([]byte, error) {
	if len(secret) == 0 {
		return nil, errMissingSecret
	}
	if strings.TrimSpace(purpose) == "" || n <= 0 {
		return nil, errors.New("auth: purpose and length are required")
	}
	out := make([]byte, n)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(purpose)), out); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return out, nil
}

// AdminKey returns the hex key internal tooling presents to the admin listener.
func AdminKey(secret []byte) (string, error) {
	key, err := DeriveKey(secret, adminKeyPurpose, 32)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(key), nil
}
