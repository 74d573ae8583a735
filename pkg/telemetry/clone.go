package telemetry

import "encoding/json"

// Clone returns a deep copy of the record.
func (r *Record) Clone() Record {
	if r == nil {
		return Record{}
	}
	out := r.Header()
	out.EventBuffer = cloneEvents(r.EventBuffer)
	return out
}

// Header returns a deep copy of the record with an empty event buffer. It is
// the envelope an upload batch is sent in.
func (r *Record) Header() Record {
	if r == nil {
		return Record{}
	}
	out := *r
	out.Metadata = cloneMetadata(r.Metadata)
	out.PageStack = append([]PageView(nil), r.PageStack...)
	if out.PageStack == nil {
		out.PageStack = []PageView{}
	}
	out.EventBuffer = []Event{}
	return out
}

// Clone returns a copy of the event that does not share its payload.
func (e Event) Clone() Event {
	if e.Payload != nil {
		e.Payload = append(json.RawMessage(nil), e.Payload...)
	}
	return e
}

func cloneEvents(events []Event) []Event {
	out := make([]Event, len(events))
	for i, ev := range events {
		out[i] = ev.Clone()
	}
	return out
}

func cloneMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
