package api

import (
	"goa.design/brook"
	"goa.design/brook/broker"
)

type (
	// StreamInfo describes one output stream to frontends: where to connect
	// and what the records look like.
	StreamInfo struct {
		StreamName    string         `json:"stream_name"`
		WebsocketPath string         `json:"websocket_path"`
		ReportSchema  map[string]any `json:"report_schema"`
	}

	// SchemaDoc is the configuration document served at
	// /pybrook-schema.json. Generic frontends use it to discover the output
	// streams and which fields carry position, time and grouping data.
	SchemaDoc struct {
		Streams        []StreamInfo    `json:"streams"`
		LatitudeField  *brook.FieldRef `json:"latitude_field"`
		LongitudeField *brook.FieldRef `json:"longitude_field"`
		TimeField      *brook.FieldRef `json:"time_field"`
		GroupField     *brook.FieldRef `json:"group_field"`
		DirectionField *brook.FieldRef `json:"direction_field"`
		MsgIDField     string          `json:"msg_id_field"`
		SpecialChar    string          `json:"special_char"`
	}
)

// SchemaDocument builds the configuration document of a compiled plan.
func SchemaDocument(p *brook.Plan) SchemaDoc {
	l := p.Layout()
	doc := SchemaDoc{
		Streams:        make([]StreamInfo, 0, len(p.Outputs)),
		LatitudeField:  p.Meta.Latitude,
		LongitudeField: p.Meta.Longitude,
		TimeField:      p.Meta.Time,
		GroupField:     p.Meta.Group,
		DirectionField: p.Meta.Direction,
		MsgIDField:     broker.MessageIDField,
		SpecialChar:    p.Separator,
	}
	for _, out := range p.Outputs {
		doc.Streams = append(doc.Streams, StreamInfo{
			StreamName:    l.OutputStream(out.Name),
			WebsocketPath: "/" + out.Name,
			ReportSchema:  out.Schema,
		})
	}
	return doc
}
