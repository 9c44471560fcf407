// Package mqttsub maintains a live subscription to the Meshtastic MQTT
// broker, decodes inbound envelopes, and feeds an in-memory node store.
// Binary ServiceEnvelope protobufs are decoded by an external codec; this
// package consumes the logical fields via the Decoder interface, with a
// JSON decoder for the firmware's JSON MQTT mode as the default.
package mqttsub

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/Nursedude/meshforge-maps/errors"
)

// Kind identifies the decoded envelope class.
type Kind string

// Envelope classes handled by the subscriber.
const (
	KindPosition     Kind = "position"
	KindNodeInfo     Kind = "nodeinfo"
	KindTelemetry    Kind = "telemetry"
	KindNeighborInfo Kind = "neighborinfo"
)

// Neighbor is one directed edge reported by a NEIGHBORINFO envelope.
type Neighbor struct {
	NodeID string   `json:"node_id"`
	SNR    *float64 `json:"snr,omitempty"`
}

// Position carries a decoded position report. Lat/Lon are already scaled to
// decimal degrees; Altitude is metres.
type Position struct {
	Lat      float64
	Lon      float64
	Altitude *float64
	Time     int64
}

// User carries decoded node identity fields.
type User struct {
	LongName  string
	ShortName string
	HwModel   string
	Role      string
}

// Envelope is one decoded upstream packet mapped onto node updates.
type Envelope struct {
	Kind      Kind
	NodeID    string
	Position  *Position
	User      *User
	Telemetry map[string]float64
	Neighbors []Neighbor
}

// Decoder turns a raw broker payload into an Envelope. Implementations
// return an invalid-classified error for unparseable payloads (these are
// common on the public broker and are counted, not retried) and (nil, nil)
// for payload kinds the subscriber does not consume.
type Decoder interface {
	Decode(topic string, payload []byte) (*Envelope, error)
}

// jsonPacket mirrors the Meshtastic firmware JSON MQTT schema.
type jsonPacket struct {
	Type    string          `json:"type"`
	Sender  json.RawMessage `json:"sender"`
	From    json.RawMessage `json:"from"`
	Payload jsonPayload     `json:"payload"`
}

type jsonPayload struct {
	// position
	LatitudeI  int64    `json:"latitude_i"`
	LongitudeI int64    `json:"longitude_i"`
	Altitude   *float64 `json:"altitude"`
	Time       int64    `json:"time"`

	// nodeinfo
	LongName   string `json:"longname"`
	ShortName  string `json:"shortname"`
	LongName2  string `json:"long_name"`
	ShortName2 string `json:"short_name"`
	Hardware   any    `json:"hardware"`
	HwModel    any    `json:"hw_model"`
	Role       any    `json:"role"`

	// telemetry
	BatteryLevel *float64 `json:"battery_level"`
	Voltage      *float64 `json:"voltage"`
	ChannelUtil  *float64 `json:"channel_utilization"`
	AirUtilTx    *float64 `json:"air_util_tx"`
	Temperature  *float64 `json:"temperature"`
	Humidity     *float64 `json:"relative_humidity"`
	Pressure     *float64 `json:"barometric_pressure"`
	IAQ          *float64 `json:"iaq"`
	PM25         *float64 `json:"pm25_standard"`
	CO2          *float64 `json:"co2"`
	VOC          *float64 `json:"voc_idx"`
	NOx          *float64 `json:"nox_idx"`
	HeartBPM     *float64 `json:"heart_bpm"`
	SpO2         *float64 `json:"spO2"`
	BodyTemp     *float64 `json:"body_temperature"`

	// neighborinfo
	Neighbors []struct {
		NodeID json.RawMessage `json:"node_id"`
		SNR    *float64        `json:"snr"`
	} `json:"neighbors"`
}

// JSONDecoder decodes the Meshtastic firmware's JSON MQTT format.
type JSONDecoder struct{}

// Decode implements Decoder.
func (JSONDecoder) Decode(_ string, payload []byte) (*Envelope, error) {
	var pkt jsonPacket
	if err := json.Unmarshal(payload, &pkt); err != nil {
		return nil, errors.WrapInvalid(errors.ErrParsingFailed, "JSONDecoder", "Decode", "payload unmarshal")
	}

	nodeID := decodeNodeRef(pkt.Sender)
	if nodeID == "" {
		nodeID = decodeNodeRef(pkt.From)
	}
	if nodeID == "" {
		return nil, errors.WrapInvalid(errors.ErrParsingFailed, "JSONDecoder", "Decode", "missing sender")
	}

	switch pkt.Type {
	case "position":
		if pkt.Payload.LatitudeI == 0 && pkt.Payload.LongitudeI == 0 {
			return nil, errors.WrapInvalid(errors.ErrInvalidCoordinates, "JSONDecoder", "Decode", "empty position")
		}
		pos := &Position{
			Lat:  float64(pkt.Payload.LatitudeI) / 1e7,
			Lon:  float64(pkt.Payload.LongitudeI) / 1e7,
			Time: pkt.Payload.Time,
		}
		if pkt.Payload.Altitude != nil {
			if alt, ok := clampFloat(*pkt.Payload.Altitude, -500, 100000); ok {
				pos.Altitude = &alt
			}
		}
		return &Envelope{Kind: KindPosition, NodeID: nodeID, Position: pos}, nil

	case "nodeinfo":
		user := &User{
			LongName:  firstNonEmpty(pkt.Payload.LongName, pkt.Payload.LongName2),
			ShortName: firstNonEmpty(pkt.Payload.ShortName, pkt.Payload.ShortName2),
			HwModel:   stringify(firstNonNil(pkt.Payload.Hardware, pkt.Payload.HwModel)),
			Role:      stringify(pkt.Payload.Role),
		}
		return &Envelope{Kind: KindNodeInfo, NodeID: nodeID, User: user}, nil

	case "telemetry":
		metrics := make(map[string]float64)
		putClamped(metrics, "battery", pkt.Payload.BatteryLevel, 0, 100)
		putClamped(metrics, "voltage", pkt.Payload.Voltage, 0, 100)
		putClamped(metrics, "channel_util", pkt.Payload.ChannelUtil, 0, 100)
		putClamped(metrics, "air_util_tx", pkt.Payload.AirUtilTx, 0, 100)
		putClamped(metrics, "temperature", pkt.Payload.Temperature, -100, 200)
		putClamped(metrics, "humidity", pkt.Payload.Humidity, 0, 100)
		putClamped(metrics, "pressure", pkt.Payload.Pressure, 0, 2000)
		putClamped(metrics, "iaq", pkt.Payload.IAQ, 0, 500)
		putClamped(metrics, "pm25", pkt.Payload.PM25, 0, 10000)
		putClamped(metrics, "co2", pkt.Payload.CO2, 0, 40000)
		putClamped(metrics, "voc", pkt.Payload.VOC, 0, 500)
		putClamped(metrics, "nox", pkt.Payload.NOx, 0, 500)
		putClamped(metrics, "heart_bpm", pkt.Payload.HeartBPM, 0, 300)
		putClamped(metrics, "spo2", pkt.Payload.SpO2, 0, 100)
		putClamped(metrics, "body_temperature", pkt.Payload.BodyTemp, 20, 50)
		if len(metrics) == 0 {
			return nil, nil
		}
		return &Envelope{Kind: KindTelemetry, NodeID: nodeID, Telemetry: metrics}, nil

	case "neighborinfo":
		neighbors := make([]Neighbor, 0, len(pkt.Payload.Neighbors))
		for _, n := range pkt.Payload.Neighbors {
			id := decodeNodeRef(n.NodeID)
			if id == "" {
				continue
			}
			neighbors = append(neighbors, Neighbor{NodeID: id, SNR: n.SNR})
		}
		return &Envelope{Kind: KindNeighborInfo, NodeID: nodeID, Neighbors: neighbors}, nil
	}

	// Unhandled packet types (text messages, traceroutes) are skipped
	return nil, nil
}

// decodeNodeRef accepts a node reference as either a JSON number (the raw
// 32-bit node number) or a "!hex" string, and returns the canonical "!hex"
// form.
func decodeNodeRef(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString
	}
	var asNumber uint64
	if err := json.Unmarshal(raw, &asNumber); err == nil && asNumber != 0 {
		return fmt.Sprintf("!%08x", asNumber)
	}
	return ""
}

func clampFloat(v, low, high float64) (float64, bool) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	if v < low || v > high {
		return 0, false
	}
	return v, true
}

func putClamped(m map[string]float64, key string, v *float64, low, high float64) {
	if v == nil {
		return
	}
	if clamped, ok := clampFloat(*v, low, high); ok {
		m[key] = clamped
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstNonNil(values ...any) any {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}

func stringify(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case float64:
		return fmt.Sprintf("%d", int64(s))
	default:
		return fmt.Sprintf("%v", s)
	}
}
