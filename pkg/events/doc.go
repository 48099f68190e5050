/*
Package events provides an in-memory broker for control plane events.

The dispatch engine publishes a vm.state event after every persisted
transition and vm.done once a VM has released its resources. The backup job
manager publishes backupjob.updated when a job's VM list changes and
backupjob.finished when the last VM of a run reports back.

Delivery is best effort. Publish never blocks the engines: events are
dropped when the broker buffer or a subscriber buffer is full.

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	for ev := range sub {
		fmt.Println(ev.Type, ev.Metadata["vm_id"])
	}
*/
package events
