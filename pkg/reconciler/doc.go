/*
Package reconciler keeps quota counters consistent with the persisted VMs.

Every VM transition that changes quota usage is recorded in the quota
journal before the VM is written, and acknowledged once the counters are
updated. A crash in between, or a failed counter update, leaves the intent
behind. The reconciler replays those intents at startup and then on a fixed
interval (30 seconds by default):

	┌────────────────────────────────────────────────────────────┐
	│                  Reconciliation Loop                       │
	└────────────────┬───────────────────────────────────────────┘
	                 │
	                 ▼
	   for each pending intent (oldest first)
	                 │
	                 ▼
	   claim ── owned elsewhere or gone ────────► skip
	                 │
	                 ▼
	   committed? ── yes ───────────────────────► apply delta, acknowledge
	                 │
	                 no
	                 ▼
	   lock VM ── missing ──────────────────────► discard
	                 │
	                 ▼
	   VM state == recorded state? ── no ───────► discard
	                 │
	                yes
	                 ▼
	   apply delta, acknowledge

Intents that belong to a transition still running in this process are not
offered for replay, and the claim re-reads each intent so one acknowledged
after the listing is skipped. A committed intent is one whose VM write is
known to have happened; its counter update failed. For any other intent a
mismatching state pair means the VM write never happened, so the delta
must not be applied either.

Outcomes are counted in stratus_quota_intents_replayed_total and the cycle
duration in stratus_reconciliation_duration_seconds.
*/
package reconciler
