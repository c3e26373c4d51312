package api

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/triage-ai/accesswatch/internal/engine"
	"github.com/triage-ai/accesswatch/internal/ingest"
	"go.uber.org/zap"
)

const defaultMaxImportBytes = 32 << 20

func (d *Dependencies) handleImportReport(w http.ResponseWriter, r *http.Request) {
	d.importFrom(w, r, ingest.SourceReport, func(body io.Reader) ([]engine.AccessEvent, []ingest.RecordError, error) {
		return ingest.ParseReport(body)
	})
}

// handleImportActivities accepts an optional file_ids query parameter, a
// comma-separated allow list of Drive file ids.
func (d *Dependencies) handleImportActivities(w http.ResponseWriter, r *http.Request) {
	var allow map[string]bool
	if v := r.URL.Query().Get("file_ids"); v != "" {
		allow = make(map[string]bool)
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				allow[id] = true
			}
		}
	}
	d.importFrom(w, r, ingest.SourceActivities, func(body io.Reader) ([]engine.AccessEvent, []ingest.RecordError, error) {
		return ingest.ParseActivities(body, allow)
	})
}

type parseFunc func(io.Reader) ([]engine.AccessEvent, []ingest.RecordError, error)

func (d *Dependencies) importFrom(w http.ResponseWriter, r *http.Request, source string, parse parseFunc) {
	limit := d.MaxImportBytes
	if limit <= 0 {
		limit = defaultMaxImportBytes
	}
	body := http.MaxBytesReader(w, r.Body, limit)
	defer func() { _ = body.Close() }()

	events, bad, err := parse(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, ErrorResp{Detail: "Import file too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: err.Error()})
		return
	}

	res, err := d.Importer.Import(r.Context(), source, events, bad)
	if err != nil {
		d.Logger.Error("import interrupted", zap.String("source", source), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Import interrupted"})
		return
	}
	writeJSON(w, http.StatusOK, res)
}
