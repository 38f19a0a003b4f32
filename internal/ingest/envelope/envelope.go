// Package envelope decodes samples carried by broker messages into the form
// the graph host publishes.
package envelope

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/golang/protobuf/proto"

	"graphhost/internal/domain"
)

const (
	ParseModeJSON     = "json_envelope"
	ParseModeProtobuf = "protobuf_envelope"
	ParseModeRawFloat = "raw_float"
)

var ErrMissingSeries = errors.New("series name is required")

// SampleMessage is the protobuf form of one sample.
type SampleMessage struct {
	Series string  `protobuf:"bytes,1,opt,name=series,proto3"`
	Value  float32 `protobuf:"fixed32,2,opt,name=value,proto3"`
}

func (*SampleMessage) Reset()         {}
func (*SampleMessage) String() string { return "SampleMessage" }
func (*SampleMessage) ProtoMessage()  {}

type jsonSample struct {
	Series string   `json:"series"`
	Value  *float64 `json:"value"`
}

func ValidParseMode(mode string) bool {
	switch mode {
	case ParseModeJSON, ParseModeProtobuf, ParseModeRawFloat:
		return true
	}
	return false
}

// Decode parses payload in mode. fallbackSeries names the sample when the
// payload does not, e.g. a record key, routing key or subject token.
func Decode(mode string, payload []byte, fallbackSeries string) (domain.Sample, error) {
	var s domain.Sample
	switch mode {
	case ParseModeJSON, "":
		var in jsonSample
		if err := json.Unmarshal(payload, &in); err != nil {
			return s, fmt.Errorf("parse json sample: %w", err)
		}
		if in.Value == nil {
			return s, errors.New("value is required")
		}
		s.Series, s.Value = in.Series, float32(*in.Value)
	case ParseModeProtobuf:
		var in SampleMessage
		if err := proto.Unmarshal(payload, &in); err != nil {
			return s, fmt.Errorf("parse protobuf sample: %w", err)
		}
		s.Series, s.Value = in.Series, in.Value
	case ParseModeRawFloat:
		if len(payload) != 4 {
			return s, fmt.Errorf("raw float payload must be 4 bytes, got %d", len(payload))
		}
		s.Value = math.Float32frombits(binary.BigEndian.Uint32(payload))
	default:
		return s, fmt.Errorf("unsupported parse mode %q", mode)
	}
	if strings.TrimSpace(s.Series) == "" {
		s.Series = strings.TrimSpace(fallbackSeries)
	}
	if s.Series == "" {
		return s, ErrMissingSeries
	}
	return s, nil
}

// EncodeProtobuf is the producer side of ParseModeProtobuf.
func EncodeProtobuf(series string, value float32) ([]byte, error) {
	return proto.Marshal(&SampleMessage{Series: series, Value: value})
}

func EncodeRawFloat(value float32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], math.Float32bits(value))
	return b[:]
}
