package types

import (
	"github.com/cuemby/stratus/pkg/template"
)

// NoneID marks an unset object reference
const NoneID = -1

// Permissions holds the owner/group/other × use/manage/admin bits of an
// object. Values are 0 or 1 so they can be stored as integer columns.
type Permissions struct {
	OwnerU int `json:"owner_u"`
	OwnerM int `json:"owner_m"`
	OwnerA int `json:"owner_a"`
	GroupU int `json:"group_u"`
	GroupM int `json:"group_m"`
	GroupA int `json:"group_a"`
	OtherU int `json:"other_u"`
	OtherM int `json:"other_m"`
	OtherA int `json:"other_a"`
}

// DefaultPermissions is the umask-derived default for new objects (owner
// use+manage, nothing else).
func DefaultPermissions() Permissions {
	return Permissions{OwnerU: 1, OwnerM: 1}
}

// ObjectBase holds the attributes shared by every pooled object
type ObjectBase struct {
	OID         int                `json:"oid"`
	UID         int                `json:"uid"`
	GID         int                `json:"gid"`
	UName       string             `json:"uname"`
	GName       string             `json:"gname"`
	Name        string             `json:"name"`
	Permissions Permissions        `json:"permissions"`
	Template    *template.Template `json:"template"`
}

// Base gives pools access to the shared attributes of an embedding type
func (o *ObjectBase) Base() *ObjectBase {
	return o
}

// Owner is the identity an object is created for
type Owner struct {
	UID   int
	GID   int
	UName string
	GName string
}

// SetOwner stamps ownership; only used at creation and by chown
func (o *ObjectBase) SetOwner(owner Owner) {
	o.UID = owner.UID
	o.GID = owner.GID
	o.UName = owner.UName
	o.GName = owner.GName
}

// Tmpl returns the object template, creating it on first use
func (o *ObjectBase) Tmpl() *template.Template {
	if o.Template == nil {
		o.Template = template.New()
	}
	return o.Template
}
