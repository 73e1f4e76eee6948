package api

import "studysync/internal/replica"

// Event types published by Bridge.
const (
	EventStatus = "sync.status"
	EventAuth   = "auth.changed"
	EventReload = "data.reload"
)

// Bridge forwards orchestrator status, auth changes and reload signals to
// the broker. The returned function detaches it.
func Bridge(b *Broker, orch *replica.Orchestrator, cloud replica.CloudAdapter) func() {
	unsubs := []func(){
		orch.Subscribe(func(ev replica.StatusEvent) {
			b.Publish(Event{Type: EventStatus, Data: toEventDTO(ev)})
		}),
		orch.SubscribeReload(func() {
			b.Publish(Event{Type: EventReload, Data: map[string]string{}})
		}),
		cloud.SubscribeAuth(func(s replica.AuthState) {
			b.Publish(Event{Type: EventAuth, Data: authDTO{Loaded: s.Loaded, Authenticated: s.Authenticated}})
		}),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}
