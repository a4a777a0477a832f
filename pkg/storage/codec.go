package storage

import (
	"fmt"
	"strings"

	"github.com/flex-pms/securecache/pkg/models"
)

// KeyCodec encodes an owning context into a storage key and back. The
// separator is reserved: tenant and user IDs containing it are rejected
// so no two contexts can ever collide on the same namespaced key. The
// base key occupies the final segment and may itself contain the
// separator (e.g. "auth_token" under the underscore grammar).
type KeyCodec struct {
	Prefix    string
	Separator string
}

// DefaultCodec is the namespaced-store grammar: tenant::user::base, or
// user::base when the context has no tenant.
var DefaultCodec = KeyCodec{Separator: "::"}

// SecureCodec is the secure-cache grammar: sc_tenant_user_base. A
// tenant is mandatory under this grammar; tenant-less deployments use
// the "default" tenant.
var SecureCodec = KeyCodec{Prefix: "sc_", Separator: "_"}

// Encode builds the namespaced key for a context and base key.
func (k KeyCodec) Encode(c models.CacheContext, baseKey string) (string, error) {
	if baseKey == "" {
		return "", fmt.Errorf("base key must not be empty")
	}
	if strings.Contains(c.TenantID, k.Separator) || strings.Contains(c.UserID, k.Separator) {
		return "", fmt.Errorf("context IDs must not contain the reserved separator %q", k.Separator)
	}
	if c.UserID == "" {
		return "", fmt.Errorf("context has no user")
	}

	if c.TenantID == "" {
		return k.Prefix + c.UserID + k.Separator + baseKey, nil
	}
	return k.Prefix + c.TenantID + k.Separator + c.UserID + k.Separator + baseKey, nil
}

// Decode splits a namespaced key back into tenant, user and base key.
// ok is false for keys that do not belong to this codec. A two-segment
// key decodes as tenant-less.
func (k KeyCodec) Decode(key string) (tenantID, userID, baseKey string, ok bool) {
	if k.Prefix != "" {
		if !strings.HasPrefix(key, k.Prefix) {
			return "", "", "", false
		}
		key = strings.TrimPrefix(key, k.Prefix)
	}

	parts := strings.SplitN(key, k.Separator, 3)
	switch len(parts) {
	case 3:
		return parts[0], parts[1], parts[2], parts[0] != "" && parts[1] != "" && parts[2] != ""
	case 2:
		if k.Prefix != "" {
			// Prefixed grammar always carries a tenant segment.
			return "", "", "", false
		}
		return "", parts[0], parts[1], parts[0] != "" && parts[1] != ""
	default:
		return "", "", "", false
	}
}

// Owns reports whether a raw substrate key belongs to this codec's
// namespace.
func (k KeyCodec) Owns(key string) bool {
	_, _, _, ok := k.Decode(key)
	return ok
}
