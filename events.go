package sched

import (
	"fmt"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2/event"
	"github.com/google/uuid"
)

// cloudEventEnvelope is the serializable unit placed on a Scheduler's
// event channel: a ready-to-marshal CloudEvents document plus the
// legacy queue-event string it carries, for consumers (RunModel, a UI
// forwarder) that want the short form without re-parsing JSON.
type cloudEventEnvelope struct {
	Event       cloudevents.Event
	LegacyState string
}

// eventSource formats the CloudEvents "source" URI for a realization,
// per the scheduler specification's external-interfaces section.
func eventSource(ensID string, iens int) string {
	return fmt.Sprintf("/ert/ensemble/%s/real/%d", ensID, iens)
}

func newEnvelope(ensID string, iens int, eventType, legacy string, body map[string]string) cloudEventEnvelope {
	ev := cloudevents.New()
	ev.SetID(uuid.NewString())
	ev.SetType(eventType)
	ev.SetSource(eventSource(ensID, iens))
	ev.SetTime(eventTimestamp())

	if body != nil {
		ev.SetDataContentType("application/json")
		_ = ev.SetData("application/json", body)
	}

	return cloudEventEnvelope{Event: ev, LegacyState: legacy}
}

// stateEnvelope builds the CloudEvent for a Job's transition into s.
func stateEnvelope(ensID string, iens int, s State) cloudEventEnvelope {
	legacy := legacyEventType[s]
	return newEnvelope(ensID, iens, queueEventType(legacy), legacy,
		map[string]string{"queue_event_type": legacy})
}

// timeoutEnvelope builds the synthetic realization-timeout CloudEvent a
// Job's timeout task publishes. It has no body, matching the
// specification's note that timeout events are emitted without a
// datacontenttype.
func timeoutEnvelope(ensID string, iens int) cloudEventEnvelope {
	return newEnvelope(ensID, iens, realizationTimeoutEventType, "", nil)
}

// eventTimestamp is overridable in tests so CloudEvent timestamps don't
// depend on wall-clock time.
var eventTimestamp = func() time.Time { return time.Now() }
