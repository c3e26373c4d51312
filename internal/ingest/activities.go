package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/netip"
	"time"

	"github.com/triage-ai/accesswatch/internal/engine"
)

const activitiesSchema = `{
	"oneOf": [
		{"type": "array", "items": {"$ref": "#/$defs/activity"}},
		{
			"type": "object",
			"properties": {"items": {"type": "array", "items": {"$ref": "#/$defs/activity"}}}
		}
	],
	"$defs": {
		"activity": {
			"type": "object",
			"required": ["id", "events"],
			"properties": {
				"id": {
					"type": "object",
					"required": ["time"],
					"properties": {
						"time":            {"type": "string"},
						"uniqueQualifier": {"type": "string"}
					}
				},
				"actor":     {"type": "object", "properties": {"email": {"type": "string"}}},
				"ipAddress": {"type": "string"},
				"events":    {"type": "array", "items": {"type": "object", "required": ["name"]}}
			}
		}
	}
}`

// UnknownIP replaces addresses that do not parse. The raw activity keeps the
// original value.
const UnknownIP = "0.0.0.0"

type activityList struct {
	Items []json.RawMessage `json:"items"`
}

type activity struct {
	ID struct {
		Time            string `json:"time"`
		UniqueQualifier string `json:"uniqueQualifier"`
	} `json:"id"`
	Actor struct {
		Email string `json:"email"`
	} `json:"actor"`
	IPAddress string `json:"ipAddress"`
	Events    []struct {
		Name       string `json:"name"`
		Parameters []struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		} `json:"parameters"`
	} `json:"events"`
}

// ParseActivities converts Drive audit activities, given either as a bare
// array or as a Reports API page with an "items" array. Each activity event
// that names a document becomes one access event with id
// "<time>_<uniqueQualifier>". When allow is non-empty only documents in it
// are kept.
func ParseActivities(r io.Reader, allow map[string]bool) ([]engine.AccessEvent, []RecordError, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, fmt.Errorf("ParseActivities: %w", err)
	}
	if err := validate(raw, activitiesSchema); err != nil {
		return nil, nil, fmt.Errorf("ParseActivities: %w", err)
	}

	var items []json.RawMessage
	if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && trimmed[0] == '[' {
		err = json.Unmarshal(raw, &items)
	} else {
		var page activityList
		err = json.Unmarshal(raw, &page)
		items = page.Items
	}
	if err != nil {
		return nil, nil, fmt.Errorf("ParseActivities: %w", err)
	}

	var events []engine.AccessEvent
	var bad []RecordError
	index := make(map[string]int)
	for i, item := range items {
		var a activity
		if err := json.Unmarshal(item, &a); err != nil {
			bad = append(bad, RecordError{Index: i, Err: err.Error()})
			continue
		}
		ts, err := time.Parse(time.RFC3339Nano, a.ID.Time)
		if err != nil {
			bad = append(bad, RecordError{Index: i, Err: fmt.Sprintf("unparsable time %q", a.ID.Time)})
			continue
		}
		qualifier := a.ID.UniqueQualifier
		if qualifier == "" {
			qualifier = "no_qualifier"
		}
		actor := a.Actor.Email
		if actor == "" {
			actor = "unknown actor"
		}

		for _, de := range a.Events {
			docID, docTitle := "", "Not available"
			for _, p := range de.Parameters {
				switch p.Name {
				case "doc_id":
					docID = p.Value
				case "doc_title":
					docTitle = p.Value
				}
			}
			if docID == "" || (len(allow) > 0 && !allow[docID]) {
				continue
			}

			ev := engine.AccessEvent{
				EventID:    a.ID.Time + "_" + qualifier,
				UserEmail:  actor,
				SourceIP:   normalizeIP(a.IPAddress),
				Timestamp:  ts.UTC(),
				FileID:     docID,
				FileName:   docTitle,
				EventType:  de.Name,
				RawDetails: item,
			}
			// Document events of one activity share its id; the last one wins.
			if k, dup := index[ev.EventID]; dup {
				events[k] = ev
				continue
			}
			index[ev.EventID] = len(events)
			events = append(events, ev)
		}
	}
	return events, bad, nil
}

// normalizeIP returns the canonical form of s, or UnknownIP.
func normalizeIP(s string) string {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return UnknownIP
	}
	return addr.Unmap().String()
}
