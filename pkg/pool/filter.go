package pool

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cuemby/stratus/pkg/acl"
)

// OwnerFilter selects objects by ownership. Values >= 0 select the objects
// of that user id.
type OwnerFilter int

const (
	// FilterMineGroup selects the caller's objects and those of its groups
	FilterMineGroup OwnerFilter = -1
	// FilterAll selects everything the caller may use
	FilterAll OwnerFilter = -2
	// FilterMine selects only the caller's objects
	FilterMine OwnerFilter = -3
	// FilterGroup selects the objects of the caller's primary group
	FilterGroup OwnerFilter = -4
)

// ParseOwnerFilter accepts mine, group, mine-group, all or a user id
func ParseOwnerFilter(s string) (OwnerFilter, error) {
	switch strings.ToLower(s) {
	case "mine":
		return FilterMine, nil
	case "group":
		return FilterGroup, nil
	case "mine-group", "mine_group":
		return FilterMineGroup, nil
	case "", "all":
		return FilterAll, nil
	}
	uid, err := strconv.Atoi(s)
	if err != nil || uid < 0 {
		return 0, fmt.Errorf("invalid owner filter %q", s)
	}
	return OwnerFilter(uid), nil
}

// Filter combines the three independent clauses of a pool query
type Filter struct {
	OID   string
	Owner string
	Extra string
}

// Where joins the non-empty clauses with AND
func (f Filter) Where() string {
	var parts []string
	for _, c := range []string{f.OID, f.Owner, f.Extra} {
		if c != "" {
			parts = append(parts, "("+c+")")
		}
	}
	return strings.Join(parts, " AND ")
}

// ACLFilter turns a reverse search result into an OR-prefixed clause that
// grants visibility of single objects, groups and clusters. all is set when
// the caller sees every object and no filter applies.
func ACLFilter(res acl.SearchResult, clusterTable string) (all bool, clause string) {
	if res.All {
		return true, ""
	}

	var b strings.Builder
	for _, oid := range res.OIDs {
		fmt.Fprintf(&b, " OR oid = %d", oid)
	}
	for _, gid := range res.GIDs {
		fmt.Fprintf(&b, " OR gid = %d", gid)
	}
	if clusterTable != "" {
		for _, cid := range res.ClusterIDs {
			fmt.Fprintf(&b, " OR oid IN (SELECT oid FROM %s WHERE cid = %d)", clusterTable, cid)
		}
	}
	return false, b.String()
}

// UserFilter builds the ownership clause for uid. Administrators and callers
// with all set get an empty clause for FilterAll.
func UserFilter(uid int, groups []int, filter OwnerFilter, all bool, aclClause string) string {
	groupIn := groupList(groups)

	switch filter {
	case FilterMine:
		return fmt.Sprintf("uid = %d", uid)

	case FilterMineGroup:
		if groupIn == "" {
			return fmt.Sprintf("uid = %d", uid)
		}
		return fmt.Sprintf("uid = %d OR (gid IN (%s) AND group_u = 1)", uid, groupIn)

	case FilterGroup:
		if len(groups) == 0 {
			return "1 = 0"
		}
		return fmt.Sprintf("gid = %d AND group_u = 1", groups[0])

	case FilterAll:
		if all {
			return ""
		}
		if groupIn == "" {
			return fmt.Sprintf("uid = %d OR other_u = 1%s", uid, aclClause)
		}
		return fmt.Sprintf("uid = %d OR (gid IN (%s) AND group_u = 1) OR other_u = 1%s", uid, groupIn, aclClause)

	default:
		owner := int(filter)
		if all {
			return fmt.Sprintf("uid = %d", owner)
		}
		visible := "other_u = 1"
		if groupIn != "" {
			visible = fmt.Sprintf("(gid IN (%s) AND group_u = 1) OR other_u = 1", groupIn)
		}
		if owner == uid {
			return fmt.Sprintf("uid = %d", owner)
		}
		return fmt.Sprintf("uid = %d AND (%s%s)", owner, visible, aclClause)
	}
}

// OIDFilter selects the oids in [start, end]. A negative end leaves the
// range open; a negative start selects nothing extra.
func OIDFilter(start, end int) string {
	switch {
	case start < 0:
		return ""
	case end < 0:
		return fmt.Sprintf("oid >= %d", start)
	case start == end:
		return fmt.Sprintf("oid = %d", start)
	default:
		return fmt.Sprintf("oid >= %d AND oid <= %d", start, end)
	}
}

// VisibleFilter builds the ownership clause for a caller on this pool,
// consulting the ACL manager for the object type.
func (p *Pool[T]) VisibleFilter(acls *acl.Manager, uid int, groups []int, filter OwnerFilter) string {
	if acl.IsAdmin(uid, groups) && filter == FilterAll {
		return ""
	}
	all, clause := ACLFilter(acls.ReverseSearch(uid, groups, p.table.ObjectType, acl.RightUse), p.table.ClusterTable)
	return UserFilter(uid, groups, filter, all, clause)
}

func groupList(groups []int) string {
	parts := make([]string, len(groups))
	for i, g := range groups {
		parts[i] = strconv.Itoa(g)
	}
	return strings.Join(parts, ", ")
}
