/*
Package manager assembles a stratus control plane.

A Manager owns the stores (the SQL database behind the object pools and the
bbolt journal of quota intents) and every engine built on top of them:

	┌─────────────────────────── MANAGER ────────────────────────────┐
	│                                                                │
	│   ┌───────────┐  backup outcome   ┌──────────────┐             │
	│   │ dispatch  │ ────────────────► │   backup     │             │
	│   │  engine   │ ◄──────────────── │   manager    │             │
	│   └─────┬─────┘  cancel backup    └──────┬───────┘             │
	│         │  ▲                             │                     │
	│  action │  │ completion          pending │ jobs                │
	│         ▼  │                             ▼                     │
	│   ┌───────────┐                   ┌──────────────┐             │
	│   │  driver   │                   │  scheduler   │             │
	│   │(simulated)│                   └──────────────┘             │
	│   └───────────┘                                                │
	│                                                                │
	│   ┌───────────┐   ┌────────────┐   ┌──────────────────┐        │
	│   │ VM pool   │   │ job pool   │   │ quota + journal  │        │
	│   └───────────┘   └────────────┘   └──────────────────┘        │
	│                                           ▲                    │
	│                                    ┌──────┴───────┐            │
	│                                    │  reconciler  │            │
	│                                    └──────────────┘            │
	└────────────────────────────────────────────────────────────────┘

# Startup and shutdown

Start replays the quota journal before anything else runs, so counters are
consistent when the first operation arrives. The work queues of the dispatch
engine and the backup manager start before the scheduler and reconciler
loops that feed them. Stop runs in the opposite order and closes the stores
last.

# Events

Every event published on the broker is written to the debug log with its
metadata as fields.

# Metrics

A MetricsCollector refreshes stratus_vms_total and the backup job gauges
from the pools every 15 seconds.

	mgr, err := manager.New(cfg)
	if err != nil {
		return err
	}
	if err := mgr.Bootstrap(ctx); err != nil {
		return err
	}
	if err := mgr.Start(ctx, version); err != nil {
		return err
	}
	defer mgr.Stop()
*/
package manager
