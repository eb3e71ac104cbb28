package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	api "github.com/fleetyard/fleetyard/api/v1alpha1"
)

// SetResponse writes the response body and status to the response writer.
// For 2xx codes the body is encoded; for everything else the Status itself
// is, so errors always reach the client in the same shape.
func SetResponse(w http.ResponseWriter, body any, status api.Status) {
	code := int(status.Code)

	// Never write a body for 204/304 (and generally 1xx), per RFC 7231
	if code == http.StatusNoContent || code == http.StatusNotModified || (code >= 100 && code < 200) {
		w.WriteHeader(code)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	// Encode into a buffer first to catch encoding errors before committing
	// the status line
	var buf bytes.Buffer
	var err error

	if body != nil && code >= 200 && code < 300 {
		err = json.NewEncoder(&buf).Encode(body)
	} else {
		err = json.NewEncoder(&buf).Encode(status)
	}

	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(code)
	_, _ = w.Write(buf.Bytes())
}

// SetParseFailureResponse writes a parse failure response
func SetParseFailureResponse(w http.ResponseWriter, err error) {
	SetResponse(w, nil, api.StatusBadRequest(fmt.Sprintf("can't decode JSON body: %v", err)))
}

// listQuery extracts the shared pagination parameters. A missing limit means
// zero, which the service replaces with its default page size.
func listQuery(r *http.Request) (cont *string, limit int, err error) {
	query := r.URL.Query()
	if c := query.Get("continue"); c != "" {
		cont = &c
	}
	if l := query.Get("limit"); l != "" {
		limit, err = strconv.Atoi(l)
		if err != nil {
			return nil, 0, fmt.Errorf("invalid limit %q", l)
		}
	}
	return cont, limit, nil
}

// boolQuery returns nil when the parameter is absent so callers can tell
// "unset" from "false".
func boolQuery(r *http.Request, name string) (*bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q", name, raw)
	}
	return &value, nil
}
