package acl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intp(v int) *int { return &v }

func TestReverseSearch(t *testing.T) {
	m := NewManager()
	m.AddRule(Rule{Subject: Subject{UID: intp(5)}, Type: ObjectVM, Scope: ScopeID, Target: 10, Rights: []Right{RightUse}})
	m.AddRule(Rule{Subject: Subject{UID: intp(5)}, Type: ObjectVM, Scope: ScopeID, Target: 10, Rights: []Right{RightUse}})
	m.AddRule(Rule{Subject: Subject{GID: intp(3)}, Type: ObjectVM, Scope: ScopeGroup, Target: 7, Rights: []Right{RightUse, RightManage}})
	m.AddRule(Rule{Subject: Subject{All: true}, Type: ObjectVM, Scope: ScopeCluster, Target: 100, Rights: []Right{RightUse}})
	m.AddRule(Rule{Subject: Subject{UID: intp(9)}, Type: ObjectBackupJob, Scope: ScopeAll, Rights: []Right{RightUse}})

	tests := []struct {
		name   string
		uid    int
		groups []int
		typ    ObjectType
		right  Right
		want   SearchResult
	}{
		{
			name:  "admin sees all",
			uid:   AdminUID,
			typ:   ObjectVM,
			right: RightUse,
			want:  SearchResult{All: true},
		},
		{
			name:   "admin group sees all",
			uid:    42,
			groups: []int{AdminGID},
			typ:    ObjectVM,
			right:  RightUse,
			want:   SearchResult{All: true},
		},
		{
			name:   "uid, group and cluster rules combine",
			uid:    5,
			groups: []int{3},
			typ:    ObjectVM,
			right:  RightUse,
			want:   SearchResult{OIDs: []int{10}, GIDs: []int{7}, ClusterIDs: []int{100}},
		},
		{
			name:   "right filters rules",
			uid:    5,
			groups: []int{3},
			typ:    ObjectVM,
			right:  RightManage,
			want:   SearchResult{GIDs: []int{7}},
		},
		{
			name:  "scope all on another type",
			uid:   9,
			typ:   ObjectBackupJob,
			right: RightUse,
			want:  SearchResult{All: true},
		},
		{
			name:  "no rules for the type",
			uid:   5,
			typ:   ObjectImage,
			right: RightUse,
			want:  SearchResult{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, m.ReverseSearch(tt.uid, tt.groups, tt.typ, tt.right))
		})
	}
}

func TestAuthorize(t *testing.T) {
	m := NewManager()
	m.AddRule(Rule{Subject: Subject{GID: intp(3)}, Type: ObjectBackupJob, Scope: ScopeGroup, Target: 3, Rights: []Right{RightManage}})
	m.AddRule(Rule{Subject: Subject{UID: intp(8)}, Type: ObjectBackupJob, Scope: ScopeID, Target: 20, Rights: []Right{RightAdmin}})

	tests := []struct {
		name    string
		req     Request
		allowed bool
	}{
		{"admin", Request{UID: AdminUID, Type: ObjectBackupJob, Right: RightAdmin}, true},
		{"owner manages", Request{UID: 4, Owner: 4, Type: ObjectBackupJob, Right: RightManage}, true},
		{"owner is not admin", Request{UID: 4, Owner: 4, Type: ObjectBackupJob, Right: RightAdmin}, false},
		{"group rule", Request{UID: 6, Groups: []int{3}, Group: 3, Type: ObjectBackupJob, Right: RightManage}, true},
		{"group rule other group", Request{UID: 6, Groups: []int{3}, Group: 4, Type: ObjectBackupJob, Right: RightManage}, false},
		{"id rule", Request{UID: 8, OID: 20, Type: ObjectBackupJob, Right: RightAdmin}, true},
		{"id rule other object", Request{UID: 8, OID: 21, Type: ObjectBackupJob, Right: RightAdmin}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := m.Authorize(tt.req)
			if tt.allowed {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrDenied)
			}
		})
	}
}

func TestDelRule(t *testing.T) {
	m := NewManager()
	id := m.AddRule(Rule{Subject: Subject{All: true}, Type: ObjectVM, Scope: ScopeAll, Rights: []Right{RightUse}})
	assert.True(t, m.ReverseSearch(1, nil, ObjectVM, RightUse).All)

	require.NoError(t, m.DelRule(id))
	assert.False(t, m.ReverseSearch(1, nil, ObjectVM, RightUse).All)
	assert.Error(t, m.DelRule(id))
}
