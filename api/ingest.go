package api

import (
	"encoding/json"
	"io"
	"net/http"

	"golang.org/x/time/rate"

	"goa.design/brook"
	"goa.design/brook/broker"
)

// maxBodyBytes caps ingest request bodies.
const maxBodyBytes = 1 << 20

// ingest returns the POST handler of one input report. The body is validated
// against the report's schema, flattened into declared fields and appended
// to the input stream for the splitter to pick up.
func (s *Server) ingest(in *brook.InputPlan) http.HandlerFunc {
	limiter := rate.NewLimiter(s.opts.IngestRate, s.opts.IngestBurst)
	schema := s.schemas[in.Name]
	stream := s.layout.InputStream(in.Name)
	return func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "ingest rate exceeded")
			return
		}
		dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
		dec.UseNumber()
		var doc any
		if err := dec.Decode(&doc); err != nil {
			writeError(w, http.StatusBadRequest, "malformed JSON: "+err.Error())
			return
		}
		if err := schema.Validate(doc); err != nil {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		record, ok := doc.(map[string]any)
		if !ok {
			writeError(w, http.StatusUnprocessableEntity, "report must be a JSON object")
			return
		}
		values := make(map[string]string, len(in.Fields))
		for _, f := range in.Fields {
			raw, present := record[f.Name]
			if !present {
				continue
			}
			v, err := broker.EncodeValue(raw)
			if err != nil {
				writeError(w, http.StatusUnprocessableEntity, "field "+f.Name+": "+err.Error())
				return
			}
			values[f.Name] = v.String()
		}
		id, err := s.b.Append(r.Context(), stream, values)
		if err != nil {
			s.log.Error(r.Context(), "ingest append failed", "report", in.Name, "err", err)
			writeError(w, http.StatusServiceUnavailable, "broker unavailable")
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"stream": stream, "id": id})
	}
}
