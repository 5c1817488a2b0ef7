package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/brook"
	"goa.design/brook/broker"
)

type apiVehicle struct {
	VehicleNumber int     `brook:"vehicle_number,id"`
	Lat           float64 `brook:"lat"`
	Lon           float64 `brook:"lon"`
	Line          string  `brook:"line"`
}

func compileAPIPlan(t *testing.T) *brook.Plan {
	t.Helper()
	b := brook.New()
	b.Input("vehicle-report", apiVehicle{})
	b.Field("direction", brook.Deps{Current: []string{"lat", "lon"}},
		func(context.Context, brook.FieldInput) (any, error) { return nil, nil },
		brook.FieldType(float64(0)))
	b.Output("location-report", brook.Take("vehicle_number"), brook.Take("lat"), brook.Take("lon"))
	b.Output("direction-report", brook.Take("direction"))
	b.SetMeta(brook.Meta{
		Latitude:  brook.Ref("location-report", "lat"),
		Direction: brook.Ref("direction-report", "direction"),
	})
	p, err := b.Compile()
	require.NoError(t, err)
	return p
}

// lazyBroker returns a broker whose Redis connection is never dialed, for
// routes that do not touch the broker.
func lazyBroker(t *testing.T) *broker.Broker {
	t.Helper()
	b, err := broker.New(broker.Options{Redis: redis.NewClient(&redis.Options{Addr: "localhost:0"})})
	require.NoError(t, err)
	return b
}

func TestSchemaDocument(t *testing.T) {
	plan := compileAPIPlan(t)
	doc := SchemaDocument(plan)

	require.Len(t, doc.Streams, 2)
	assert.Equal(t, "location-report", doc.Streams[0].StreamName)
	assert.Equal(t, "/location-report", doc.Streams[0].WebsocketPath)
	assert.Equal(t, plan.Outputs[0].Schema, doc.Streams[0].ReportSchema)
	assert.Equal(t, "direction-report", doc.Streams[1].StreamName)

	require.NotNil(t, doc.LatitudeField)
	assert.Equal(t, "location-report", doc.LatitudeField.Stream)
	assert.Equal(t, "lat", doc.LatitudeField.Field)
	require.NotNil(t, doc.DirectionField)
	assert.Equal(t, "direction", doc.DirectionField.Field)
	assert.Nil(t, doc.LongitudeField)
	assert.Nil(t, doc.TimeField)
	assert.Nil(t, doc.GroupField)

	assert.Equal(t, "_msg", doc.MsgIDField)
	assert.Equal(t, ":", doc.SpecialChar)
}

// TestSchemaDocumentJSON pins the wire keys generic frontends bootstrap from.
func TestSchemaDocumentJSON(t *testing.T) {
	raw, err := json.Marshal(SchemaDocument(compileAPIPlan(t)))
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	for _, key := range []string{
		"streams", "latitude_field", "longitude_field", "time_field",
		"group_field", "direction_field", "msg_id_field", "special_char",
	} {
		assert.Contains(t, m, key)
	}
	assert.Equal(t, map[string]any{"stream_name": "location-report", "field_name": "lat"}, m["latitude_field"])
	assert.Nil(t, m["time_field"], "absent references render as null, not omitted")

	streams := m["streams"].([]any)
	require.Len(t, streams, 2)
	first := streams[0].(map[string]any)
	assert.Equal(t, "/location-report", first["websocket_path"])
	assert.Contains(t, first, "report_schema")
}

func TestOutputDoc(t *testing.T) {
	plan := compileAPIPlan(t)
	out := plan.Outputs[0]

	doc, err := outputDoc(out, broker.Entry{Values: map[string]string{
		"vehicle_number": "1042",
		"lat":            "52.5",
		"_msg":           "1042:1",
		"_source":        "1042",
	}})
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"vehicle_number": 1042,
		"lat": 52.5,
		"lon": null,
		"_msg": "1042:1",
		"_source": "1042"
	}`, string(doc))

	_, err = outputDoc(out, broker.Entry{Values: map[string]string{"lat": "not-json"}})
	assert.ErrorContains(t, err, "field lat")
}

func TestNewValidation(t *testing.T) {
	_, err := New(Options{})
	assert.ErrorContains(t, err, "Broker is required")

	_, err = New(Options{Broker: lazyBroker(t)})
	assert.ErrorContains(t, err, "Plan is required")
}

func TestSchemaRoute(t *testing.T) {
	s, err := New(Options{Broker: lazyBroker(t), Plan: compileAPIPlan(t)})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/pybrook-schema.json", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var m map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	assert.Contains(t, m, "streams")
	assert.Equal(t, ":", m["special_char"])
}

func TestAllowAll(t *testing.T) {
	h := allowAll(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/location-report", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/location-report", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code, "preflight short-circuits")
}

func TestCompileSchemaInvalid(t *testing.T) {
	_, err := compileSchema("broken", map[string]any{"type": 42})
	assert.Error(t, err)
}
