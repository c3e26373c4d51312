// Package ingest turns exported Drive audit data into access events.
package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
	_ "time/tzdata" // report times are local to ReportLocation

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/triage-ai/accesswatch/internal/engine"
)

// reportSchema describes the historical report export.
const reportSchema = `{
	"type": "object",
	"required": ["eventos"],
	"properties": {
		"eventos": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["hora"],
				"properties": {
					"hora":    {"type": "string", "minLength": 1},
					"usuario": {"type": "string"},
					"archivo": {"type": "string"},
					"accion":  {"type": "string"},
					"ip":      {"type": "string"}
				}
			}
		}
	}
}`

// ReportLocation is the zone report timestamps are written in.
const ReportLocation = "America/Caracas"

const notAvailable = "N/A"

// reportEventNamespace scopes deterministic ids for report rows.
var reportEventNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("accesswatch/report-event"))

var reportLayouts = []string{
	"02/01/2006 03:04 PM",
	"2/1/2006 3:04 PM",
	"02/01/2006 3:04 PM",
	"2/1/2006 03:04 PM",
}

type reportFile struct {
	Eventos []reportRecord `json:"eventos"`
}

type reportRecord struct {
	Hora    string `json:"hora"`
	Usuario string `json:"usuario"`
	Archivo string `json:"archivo"`
	Accion  string `json:"accion"`
	IP      string `json:"ip"`
}

// RecordError is a record that could not be turned into an event.
type RecordError struct {
	Index int    `json:"index"`
	Err   string `json:"error"`
}

func (e RecordError) Error() string { return fmt.Sprintf("record %d: %s", e.Index, e.Err) }

// ParseReport reads a historical report, validates it against the report
// schema and converts every record it can. Records with an unparsable time
// are reported in the second return value and skipped. Duplicate records
// collapse to one event.
func ParseReport(r io.Reader) ([]engine.AccessEvent, []RecordError, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, fmt.Errorf("ParseReport: %w", err)
	}
	if err := validate(raw, reportSchema); err != nil {
		return nil, nil, fmt.Errorf("ParseReport: %w", err)
	}

	var file reportFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, nil, fmt.Errorf("ParseReport: %w", err)
	}

	loc, err := time.LoadLocation(ReportLocation)
	if err != nil {
		return nil, nil, fmt.Errorf("ParseReport: %w", err)
	}

	var events []engine.AccessEvent
	var bad []RecordError
	seen := make(map[string]struct{}, len(file.Eventos))
	for i, rec := range file.Eventos {
		ts, err := ParseReportTime(rec.Hora, loc)
		if err != nil {
			bad = append(bad, RecordError{Index: i, Err: err.Error()})
			continue
		}
		ev := reportEvent(rec, ts)
		if _, dup := seen[ev.EventID]; dup {
			continue
		}
		seen[ev.EventID] = struct{}{}
		events = append(events, ev)
	}
	return events, bad, nil
}

// ParseReportTime parses a report time such as "05/03/2025 10:15 p.m." in
// loc and returns it in UTC.
func ParseReportTime(s string, loc *time.Location) (time.Time, error) {
	clean := strings.TrimSpace(s)
	for _, r := range []struct{ from, to string }{
		{"a.m..", "AM"}, {"p.m..", "PM"},
		{"a.m.", "AM"}, {"p.m.", "PM"},
		{"a. m.", "AM"}, {"p. m.", "PM"},
	} {
		clean = strings.ReplaceAll(clean, r.from, r.to)
	}
	clean = strings.Join(strings.Fields(clean), " ")

	for _, layout := range reportLayouts {
		if t, err := time.ParseInLocation(layout, strings.ToUpper(clean), loc); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparsable time %q", s)
}

// SplitFileRef splits "Title (fileId)" into its title and id. Without
// parentheses both parts are the whole string.
func SplitFileRef(ref string) (name, id string) {
	if ref == "" {
		ref = "Not available (" + notAvailable + ")"
	}
	parts := strings.Split(ref, "(")
	id = strings.ReplaceAll(parts[len(parts)-1], ")", "")
	name = strings.SplitN(ref, " (", 2)[0]
	return strings.TrimSpace(name), strings.TrimSpace(id)
}

func reportEvent(rec reportRecord, ts time.Time) engine.AccessEvent {
	name, fileID := SplitFileRef(rec.Archivo)
	user := orNA(rec.Usuario)
	action := orNA(rec.Accion)

	key := strings.Join([]string{ts.Format(time.RFC3339), user, fileID, action}, "|")
	return engine.AccessEvent{
		EventID:   uuid.NewSHA1(reportEventNamespace, []byte(key)).String(),
		UserEmail: user,
		SourceIP:  orNA(rec.IP),
		Timestamp: ts,
		FileID:    fileID,
		FileName:  name,
		EventType: action,
	}
}

func orNA(s string) string {
	if s = strings.TrimSpace(s); s == "" {
		return notAvailable
	}
	return s
}

// validate checks raw JSON against an inline schema document.
func validate(raw []byte, schemaDoc string) error {
	schemaObj, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaDoc))
	if err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", schemaObj); err != nil {
		return fmt.Errorf("schema compile error: %w", err)
	}
	sch, err := c.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("schema compile error: %w", err)
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := sch.Validate(doc); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}
