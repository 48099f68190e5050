// Package acl evaluates access rules on pooled objects.
package acl

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

// ErrDenied is returned by Authorize when no rule grants the request
var ErrDenied = errors.New("not authorized")

// Administrative identities bypass every visibility filter
const (
	AdminUID = 0
	AdminGID = 0
)

// ObjectType identifies the kind of object a rule applies to
type ObjectType string

const (
	ObjectVM        ObjectType = "VM"
	ObjectBackupJob ObjectType = "BACKUPJOB"
	ObjectImage     ObjectType = "IMAGE"
	ObjectNetwork   ObjectType = "NET"
	ObjectDatastore ObjectType = "DATASTORE"
)

// Right is an operation class checked against rules
type Right string

const (
	RightUse    Right = "USE"
	RightManage Right = "MANAGE"
	RightAdmin  Right = "ADMIN"
)

// Scope selects which objects a rule covers
type Scope int

const (
	// ScopeAll covers every object of the type
	ScopeAll Scope = iota
	// ScopeID covers one object
	ScopeID
	// ScopeGroup covers objects owned by a group
	ScopeGroup
	// ScopeCluster covers objects in a cluster
	ScopeCluster
)

// Subject selects who a rule applies to. Exactly one of UID/GID is used;
// All applies the rule to every user.
type Subject struct {
	All bool
	UID *int
	GID *int
}

// Rule grants Rights on objects of Type in Scope to Subject
type Rule struct {
	ID      int
	Subject Subject
	Type    ObjectType
	Scope   Scope
	Target  int
	Rights  []Right
}

// SearchResult is the outcome of ReverseSearch: either All, or the explicit
// object, group and cluster ids the user may see.
type SearchResult struct {
	All        bool
	OIDs       []int
	GIDs       []int
	ClusterIDs []int
}

// Request describes an operation for Authorize
type Request struct {
	UID    int
	Groups []int
	Type   ObjectType
	OID    int
	Owner  int
	Group  int
	Right  Right
}

// Manager holds ACL rules in memory
type Manager struct {
	mu     sync.RWMutex
	rules  []Rule
	nextID int
}

// NewManager creates an empty rule set
func NewManager() *Manager {
	return &Manager{}
}

// AddRule registers a rule and returns its id
func (m *Manager) AddRule(r Rule) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	r.ID = m.nextID
	m.nextID++
	m.rules = append(m.rules, r)
	return r.ID
}

// DelRule removes a rule by id
func (m *Manager) DelRule(id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, r := range m.rules {
		if r.ID == id {
			m.rules = append(m.rules[:i], m.rules[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("acl rule %d not found", id)
}

// IsAdmin reports whether uid/groups carry administrative rights
func IsAdmin(uid int, groups []int) bool {
	return uid == AdminUID || slices.Contains(groups, AdminGID)
}

// ReverseSearch returns the objects of type t that rules let uid see with
// right. Ownership-based visibility is not included; that is handled by the
// pool's owner filter.
func (m *Manager) ReverseSearch(uid int, groups []int, t ObjectType, right Right) SearchResult {
	if IsAdmin(uid, groups) {
		return SearchResult{All: true}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var res SearchResult
	for _, r := range m.rules {
		if r.Type != t || !r.grants(right) || !r.Subject.matches(uid, groups) {
			continue
		}
		switch r.Scope {
		case ScopeAll:
			return SearchResult{All: true}
		case ScopeID:
			res.OIDs = appendUnique(res.OIDs, r.Target)
		case ScopeGroup:
			res.GIDs = appendUnique(res.GIDs, r.Target)
		case ScopeCluster:
			res.ClusterIDs = appendUnique(res.ClusterIDs, r.Target)
		}
	}
	return res
}

// Authorize checks a single request against ownership and rules
func (m *Manager) Authorize(req Request) error {
	if IsAdmin(req.UID, req.Groups) {
		return nil
	}
	if req.Right != RightAdmin && req.UID == req.Owner {
		return nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, r := range m.rules {
		if r.Type != req.Type || !r.grants(req.Right) || !r.Subject.matches(req.UID, req.Groups) {
			continue
		}
		switch r.Scope {
		case ScopeAll:
			return nil
		case ScopeID:
			if r.Target == req.OID {
				return nil
			}
		case ScopeGroup:
			if r.Target == req.Group {
				return nil
			}
		}
	}
	return fmt.Errorf("%w: %s on %s %d", ErrDenied, req.Right, req.Type, req.OID)
}

func (r Rule) grants(right Right) bool {
	return slices.Contains(r.Rights, right)
}

func (s Subject) matches(uid int, groups []int) bool {
	switch {
	case s.All:
		return true
	case s.UID != nil:
		return *s.UID == uid
	case s.GID != nil:
		return slices.Contains(groups, *s.GID)
	}
	return false
}

func appendUnique(s []int, v int) []int {
	if slices.Contains(s, v) {
		return s
	}
	return append(s, v)
}
