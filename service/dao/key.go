package dao

// Key is the typed storage key of every tenant-scoped entity. Using a struct
// key instead of string concatenation keeps the store namespace enforced at
// compile time.
type Key struct {
	TenantID string
	ID       string
}

// NewKey builds a storage key.
func NewKey(tenantID, id string) Key {
	return Key{TenantID: tenantID, ID: id}
}

// Valid reports whether both parts are present.
func (k Key) Valid() bool {
	return k.TenantID != "" && k.ID != ""
}
