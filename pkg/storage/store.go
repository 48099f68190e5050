package storage

import (
	"github.com/cuemby/stratus/pkg/types"
)

// Store holds the local state that does not belong in the object tables:
// quota intents waiting to be applied and the daemon metadata.
type Store interface {
	// Quota intents
	PutIntent(intent *types.QuotaIntent) error
	GetIntent(id string) (*types.QuotaIntent, error)
	ListIntents() ([]*types.QuotaIntent, error)
	DeleteIntent(id string) error

	// Metadata
	SetMeta(key, value string) error
	GetMeta(key string) (string, error)

	// Utility
	Close() error
}
