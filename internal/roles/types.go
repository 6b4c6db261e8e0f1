package roles

// Role is a registered role name and the queue a claim defaults to when the
// caller names only this role. Advisory: the engine never requires a role
// to be registered, but the create endpoint rejects unknown roles once any
// are registered at all.
type Role struct {
	Name       string `yaml:"name" json:"name"`
	ClaimsFrom string `yaml:"claims_from,omitempty" json:"claims_from,omitempty"`
}
