// Package memory is an in-process implementation of every access-core
// store. It backs tests and single-node development runs.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"homebase.io/internal/audit"
	"homebase.io/internal/directory"
	"homebase.io/internal/impersonation"
	"homebase.io/internal/mfa"
	"homebase.io/internal/rbac"
	"homebase.io/internal/relationship"
)

type grantKey struct{ user, role string }

type relKey struct {
	homeowner, professional string
	role                    directory.PrimaryRole
}

// Store keeps all tables in maps guarded by one lock.
type Store struct {
	mu sync.RWMutex

	users     map[string]directory.User
	roles     map[string]rbac.Role
	perms     map[string]rbac.Permission
	rolePerms map[string]map[string]struct{}
	grants    map[grantKey]rbac.Grant
	auditLog  []audit.Entry
	mfa       map[string]mfa.Setting
	sessions  map[string]impersonation.Session
	rels      map[relKey]relationship.Relationship
}

func New() *Store {
	return &Store{
		users:     make(map[string]directory.User),
		roles:     make(map[string]rbac.Role),
		perms:     make(map[string]rbac.Permission),
		rolePerms: make(map[string]map[string]struct{}),
		grants:    make(map[grantKey]rbac.Grant),
		mfa:       make(map[string]mfa.Setting),
		sessions:  make(map[string]impersonation.Session),
		rels:      make(map[relKey]relationship.Relationship),
	}
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// --- directory ---

func (s *Store) CreateUser(_ context.Context, u directory.User) (directory.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.ID]; ok {
		return directory.User{}, directory.ErrConflict
	}
	for _, existing := range s.users {
		if existing.Email == u.Email {
			return directory.User{}, directory.ErrConflict
		}
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	s.users[u.ID] = u
	return u, nil
}

func (s *Store) FindUser(_ context.Context, id string) (directory.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return directory.User{}, directory.ErrNotFound
	}
	return u, nil
}

// --- audit ---

func (s *Store) AppendAudit(_ context.Context, e audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditLog = append(s.auditLog, e)
	return nil
}

func (s *Store) QueryAudit(_ context.Context, f audit.Filter) ([]audit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []audit.Entry{}
	for i := len(s.auditLog) - 1; i >= 0; i-- {
		e := s.auditLog[i]
		if f.ActorID != "" && e.ActorID != f.ActorID {
			continue
		}
		if f.Action != "" && e.Action != f.Action {
			continue
		}
		if f.Resource != "" && e.Resource != f.Resource {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) SummarizeAudit(_ context.Context, actorID string, since time.Time) ([]audit.ActionSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byAction := make(map[string]*audit.ActionSummary)
	for _, e := range s.auditLog {
		if e.ActorID != actorID || e.CreatedAt.Before(since) {
			continue
		}
		sum, ok := byAction[e.Action]
		if !ok {
			sum = &audit.ActionSummary{Action: e.Action}
			byAction[e.Action] = sum
		}
		sum.Count++
		if e.CreatedAt.After(sum.LastSeen) {
			sum.LastSeen = e.CreatedAt
		}
	}
	out := make([]audit.ActionSummary, 0, len(byAction))
	for _, sum := range byAction {
		out = append(out, *sum)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Action < out[j].Action
	})
	return out, nil
}

// --- rbac ---

func (s *Store) EnsureRole(_ context.Context, r rbac.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.roles[r.Name]; ok {
		r.CreatedAt = existing.CreatedAt
	} else if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	s.roles[r.Name] = r
	return nil
}

func (s *Store) EnsurePermission(_ context.Context, p rbac.Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.perms[p.Name] = p
	return nil
}

func (s *Store) FindRole(_ context.Context, name string) (rbac.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.roles[name]
	if !ok {
		return rbac.Role{}, rbac.ErrNotFound
	}
	return r, nil
}

func (s *Store) ListRoleCatalog(context.Context) ([]rbac.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]rbac.Role, 0, len(s.roles))
	for _, r := range s.roles {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) ListPermissionCatalog(context.Context) ([]rbac.Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]rbac.Permission, 0, len(s.perms))
	for _, p := range s.perms {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) AddRolePermission(_ context.Context, roleName, permName string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[roleName]; !ok {
		return false, rbac.ErrNotFound
	}
	if _, ok := s.perms[permName]; !ok {
		return false, rbac.ErrNotFound
	}
	set, ok := s.rolePerms[roleName]
	if !ok {
		set = make(map[string]struct{})
		s.rolePerms[roleName] = set
	}
	if _, ok := set[permName]; ok {
		return false, nil
	}
	set[permName] = struct{}{}
	return true, nil
}

func (s *Store) RolePermissions(_ context.Context, roleName string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.rolePerms[roleName]), nil
}

func (s *Store) UpsertUserGrant(_ context.Context, g rbac.Grant, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[g.RoleName]; !ok {
		return false, rbac.ErrNotFound
	}
	key := grantKey{g.UserID, g.RoleName}
	if existing, ok := s.grants[key]; ok && existing.ActiveAt(now) {
		return false, nil
	}
	s.grants[key] = g
	return true, nil
}

func (s *Store) DeleteUserGrant(_ context.Context, userID, roleName string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := grantKey{userID, roleName}
	g, ok := s.grants[key]
	if !ok {
		return false, nil
	}
	delete(s.grants, key)
	return g.ActiveAt(now), nil
}

func (s *Store) HasActiveGrant(_ context.Context, userID, roleName string, now time.Time) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.grants[grantKey{userID, roleName}]
	return ok && g.ActiveAt(now), nil
}

func (s *Store) HasActiveSuperuserGrant(_ context.Context, userID string, now time.Time) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for key, g := range s.grants {
		if key.user == userID && g.ActiveAt(now) && s.roles[key.role].IsSuperuser {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) ActiveGrants(_ context.Context, userID string, now time.Time) ([]rbac.Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []rbac.Grant{}
	for key, g := range s.grants {
		if key.user == userID && g.ActiveAt(now) {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoleName < out[j].RoleName })
	return out, nil
}

func (s *Store) GrantedPermissions(_ context.Context, userID string, now time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := make(map[string]struct{})
	for key, g := range s.grants {
		if key.user != userID || !g.ActiveAt(now) {
			continue
		}
		for p := range s.rolePerms[key.role] {
			set[p] = struct{}{}
		}
	}
	return sortedKeys(set), nil
}

// --- mfa ---

func (s *Store) ReplaceMFA(_ context.Context, m mfa.Setting) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.mfa[m.UserID]; ok {
		m.CreatedAt = existing.CreatedAt
	}
	m.BackupCodes = append([]string(nil), m.BackupCodes...)
	m.DisabledAt = nil
	s.mfa[m.UserID] = m
	return nil
}

func (s *Store) FindMFA(_ context.Context, userID string) (mfa.Setting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.mfa[userID]
	if !ok {
		return mfa.Setting{}, mfa.ErrNotFound
	}
	m.BackupCodes = append([]string(nil), m.BackupCodes...)
	return m, nil
}

func (s *Store) UpdateMFAEnabled(_ context.Context, userID string, enabled bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mfa[userID]
	if !ok {
		return mfa.ErrNotFound
	}
	m.Enabled = enabled
	m.UpdatedAt = at
	if enabled {
		m.DisabledAt = nil
	} else {
		m.DisabledAt = &at
	}
	s.mfa[userID] = m
	return nil
}

func (s *Store) SwapBackupCodes(_ context.Context, userID string, expected, next []string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mfa[userID]
	if !ok {
		return false, nil
	}
	if strings.Join(m.BackupCodes, ",") != strings.Join(expected, ",") {
		return false, nil
	}
	m.BackupCodes = append([]string(nil), next...)
	m.UpdatedAt = at
	s.mfa[userID] = m
	return true, nil
}

// --- impersonation ---

func (s *Store) CreateImpersonation(_ context.Context, sess impersonation.Session, entry audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.sessions {
		if existing.AdminID == sess.AdminID && existing.Active() {
			return impersonation.ErrSessionActive
		}
	}
	sess.EndedAt = nil
	s.sessions[sess.ID] = sess
	s.auditLog = append(s.auditLog, entry)
	return nil
}

func (s *Store) EndImpersonation(_ context.Context, id, adminID string, at time.Time, entry impersonation.EndEntry) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || sess.AdminID != adminID || !sess.Active() {
		return time.Time{}, false, nil
	}
	e, err := entry(sess.StartedAt)
	if err != nil {
		return time.Time{}, false, err
	}
	sess.EndedAt = &at
	s.sessions[id] = sess
	s.auditLog = append(s.auditLog, e)
	return sess.StartedAt, true, nil
}

func (s *Store) FindOpenImpersonation(_ context.Context, id, adminID string) (impersonation.Session, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok || sess.AdminID != adminID || !sess.Active() {
		return impersonation.Session{}, false, nil
	}
	return sess, true, nil
}

func (s *Store) ListActiveImpersonations(_ context.Context, adminID string) ([]impersonation.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []impersonation.Session{}
	for _, sess := range s.sessions {
		if !sess.Active() || (adminID != "" && sess.AdminID != adminID) {
			continue
		}
		if a, ok := s.users[sess.AdminID]; ok {
			sess.AdminEmail, sess.AdminName = a.Email, a.DisplayName
		}
		if t, ok := s.users[sess.TargetID]; ok {
			sess.TargetEmail, sess.TargetName = t.Email, t.DisplayName
		}
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

// --- relationships ---

func (s *Store) UpsertRelationship(_ context.Context, rel relationship.Relationship) (relationship.Relationship, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := relKey{rel.HomeownerID, rel.ProfessionalID, rel.ProfessionalRole}
	if existing, ok := s.rels[key]; ok {
		existing.Status = rel.Status
		existing.UpdatedAt = rel.UpdatedAt
		s.rels[key] = existing
		return existing, nil
	}
	s.rels[key] = rel
	return rel, nil
}

func (s *Store) UpdateRelationshipStatus(_ context.Context, homeownerID, professionalID string, role directory.PrimaryRole, status relationship.Status, at time.Time) (relationship.Relationship, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := relKey{homeownerID, professionalID, role}
	rel, ok := s.rels[key]
	if !ok {
		return relationship.Relationship{}, relationship.ErrNotFound
	}
	rel.Status = status
	rel.UpdatedAt = at
	s.rels[key] = rel
	return rel, nil
}

func (s *Store) FindRelationship(_ context.Context, homeownerID, professionalID string, role directory.PrimaryRole) (relationship.Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rel, ok := s.rels[relKey{homeownerID, professionalID, role}]
	if !ok {
		return relationship.Relationship{}, relationship.ErrNotFound
	}
	return rel, nil
}

func (s *Store) ListRelationships(_ context.Context, f relationship.Filter) ([]relationship.Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []relationship.Relationship{}
	for _, rel := range s.rels {
		if f.HomeownerID != "" && rel.HomeownerID != f.HomeownerID {
			continue
		}
		if f.ProfessionalID != "" && rel.ProfessionalID != f.ProfessionalID {
			continue
		}
		if f.Status != "" && rel.Status != f.Status {
			continue
		}
		out = append(out, rel)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
