package domain

import "errors"

var (
	ErrGuildConfigNotFound      = errors.New("guild_config_not_found")
	ErrProductNotFound          = errors.New("product_not_found")
	ErrVariantNotFound          = errors.New("variant_not_found")
	ErrIntegrationNotFound      = errors.New("integration_not_found")
	ErrEncryptionKeyMissing     = errors.New("encryption_key_missing")
	ErrInvalidIntegrationConfig = errors.New("invalid_integration_config")
)
