package models

import (
	"time"

	"github.com/google/uuid"
)

// TenantSecret is the sealed remote-service API key for one tenant. Secret
// holds the AEAD ciphertext; Nonce the nonce it was sealed under. The
// plaintext key never touches the database.
type TenantSecret struct {
	TenantID  uuid.UUID `db:"tenant_id"  json:"tenant_id"`
	Secret    []byte    `db:"secret"     json:"-"`
	Nonce     []byte    `db:"nonce"      json:"-"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
