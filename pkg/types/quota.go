package types

import (
	"time"

	"github.com/cuemby/stratus/pkg/template"
)

// QuotaIntent is a quota delta recorded before a VM transition is persisted
// and removed once the delta has been applied. An intent left behind by a
// crash is replayed only if the VM still is in the State/LCMState the
// transition produced.
type QuotaIntent struct {
	ID       string             `json:"id"`
	VMID     int                `json:"vm_id"`
	Event    string             `json:"event"`
	UID      int                `json:"uid"`
	GID      int                `json:"gid"`
	Del      *template.Template `json:"del,omitempty"`
	Add      *template.Template `json:"add,omitempty"`
	State    VMState            `json:"state"`
	LCMState LCMState           `json:"lcm_state"`
	Created  time.Time          `json:"created"`

	// Committed is set once the VM transition is known to be persisted, so
	// replay applies the delta whatever state the VM has moved on to
	Committed bool `json:"committed,omitempty"`
}
