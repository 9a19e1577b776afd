package config

import (
	"github.com/kiso-run/kiso/internal/kiso/executor"
	"github.com/kiso-run/kiso/internal/kiso/plan"
)

// Access implements plan.AccessControl over the [[users]] table and the
// [executor] restricted-OS-user credential. Both are copied out of the
// parsed Config once, in NewAccess, and every call answers from that copy:
// config.toml is not re-read, so an edit to it takes effect only after a
// process restart.
type Access struct {
	byID     map[string]UserEntry
	restrict *executor.RestrictedUser
}

// NewAccess builds an Access from a parsed Config.
func NewAccess(cfg *Config) *Access {
	byID := make(map[string]UserEntry, len(cfg.Users))
	for _, u := range cfg.Users {
		byID[u.ID] = u
	}
	var restrict *executor.RestrictedUser
	if cfg.Executor.RestrictedUID != 0 || cfg.Executor.RestrictedGID != 0 {
		restrict = &executor.RestrictedUser{UID: cfg.Executor.RestrictedUID, GID: cfg.Executor.RestrictedGID}
	}
	return &Access{byID: byID, restrict: restrict}
}

// RoleAndSkills implements plan.AccessControl.
func (a *Access) RoleAndSkills(userID string) (string, []string, bool) {
	u, ok := a.byID[userID]
	if !ok {
		return "", nil, false
	}
	return u.Role, u.AllowedSkills, true
}

// RestrictedUser implements plan.AccessControl: admin sessions run
// unrestricted, everything else runs under the configured restricted
// credential (or unrestricted, if the deployment did not configure one).
func (a *Access) RestrictedUser(sessionID, role string) (*executor.RestrictedUser, error) {
	if role == plan.RoleAdmin {
		return nil, nil
	}
	return a.restrict, nil
}
