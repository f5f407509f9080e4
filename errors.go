package cachekit

import "github.com/stumble/cachekit/enginecore"

// Error kinds re-exported at package level so callers of the facade never
// need to import enginecore directly (§7).
var (
	ErrInvalidKey              = enginecore.ErrInvalidKey
	ErrEngineUnavailable       = enginecore.ErrEngineUnavailable
	ErrConnectionFailed        = enginecore.ErrConnectionFailed
	ErrPoolExhausted           = enginecore.ErrPoolExhausted
	ErrTimeout                 = enginecore.ErrTimeout
	ErrNoHealthyNode           = enginecore.ErrNoHealthyNode
	ErrSerializationFailed     = enginecore.ErrSerializationFailed
	ErrTypeMismatch            = enginecore.ErrTypeMismatch
	ErrClusterMisconfigured    = enginecore.ErrClusterMisconfigured
	ErrIO                      = enginecore.ErrIO
	ErrCancelledDuringDispatch = enginecore.ErrCancelledDuringDispatch
)

// ValidateKey re-exports enginecore.ValidateKey (§3 key invariant).
func ValidateKey(key string) error { return enginecore.ValidateKey(key) }
