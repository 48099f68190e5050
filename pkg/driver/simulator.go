package driver

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cuemby/stratus/pkg/lifecycle"
	"github.com/cuemby/stratus/pkg/log"
	"github.com/cuemby/stratus/pkg/types"
	"github.com/rs/zerolog"
)

// ErrNoNotifier is returned when the simulator has nobody to report to
var ErrNoNotifier = errors.New("simulator has no notifier")

// Simulator completes every action after a fixed delay. It stands in for
// real drivers so the state machine can run end to end.
type Simulator struct {
	delay  time.Duration
	logger zerolog.Logger

	mu       sync.Mutex
	notifier Notifier
	fail     map[Action]bool
	timers   map[int]*time.Timer
	requests []Request
	stopped  bool
}

// NewSimulator creates a simulator completing actions after delay
func NewSimulator(delay time.Duration) *Simulator {
	return &Simulator{
		delay:  delay,
		logger: log.WithComponent("driver"),
		fail:   make(map[Action]bool),
		timers: make(map[int]*time.Timer),
	}
}

// SetNotifier sets the receiver of completions
func (s *Simulator) SetNotifier(n Notifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifier = n
}

// Fail makes every later action a reports failure
func (s *Simulator) Fail(a Action, fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail[a] = fail
}

// Execute schedules the completion of req
func (s *Simulator) Execute(ctx context.Context, req Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return errors.New("simulator stopped")
	}
	if s.notifier == nil {
		return ErrNoNotifier
	}
	s.requests = append(s.requests, req)

	logger := s.logger.With().Int("vm_id", req.VMID).Str("action", string(req.Action)).Logger()

	if req.Action == ActionBackupCancel {
		// abandon the running backup; the VM reports it as failed
		if t, ok := s.timers[req.VMID]; ok {
			t.Stop()
			delete(s.timers, req.VMID)
		}
		s.schedule(req.VMID, lifecycle.EventBackupFailure)
		logger.Debug().Msg("Backup cancelled")
		return nil
	}

	ev, ok := req.Action.Completion(!s.fail[req.Action])
	if !ok {
		logger.Debug().Msg("Action done")
		return nil
	}
	s.schedule(req.VMID, ev)
	logger.Debug().Str("event", string(ev)).Dur("delay", s.delay).Msg("Action scheduled")
	return nil
}

func (s *Simulator) schedule(vmID int, ev lifecycle.Event) {
	n := s.notifier
	var t *time.Timer
	t = time.AfterFunc(s.delay, func() {
		s.mu.Lock()
		if s.timers[vmID] == t {
			delete(s.timers, vmID)
		}
		stopped := s.stopped
		s.mu.Unlock()

		if !stopped {
			n.Trigger(vmID, ev)
		}
	})
	s.timers[vmID] = t
}

// Requests returns the actions executed so far
func (s *Simulator) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// Stop cancels every pending completion
func (s *Simulator) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

// ReleaseDisk stands in for the image manager and only logs the release
func (s *Simulator) ReleaseDisk(_ context.Context, vmID int, disk types.Disk) error {
	s.logger.Debug().Int("vm_id", vmID).Int("disk_id", disk.ID).Int("image_id", disk.ImageID).Msg("Disk released")
	return nil
}

// ReleaseNIC stands in for the network manager and only logs the release
func (s *Simulator) ReleaseNIC(_ context.Context, vmID int, nic types.NIC) error {
	s.logger.Debug().Int("vm_id", vmID).Int("nic_id", nic.ID).Int("network_id", nic.NetworkID).Str("ip", nic.IP).Msg("Lease released")
	return nil
}
