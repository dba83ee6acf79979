package domain

import (
	"negotiation-lab/errors"
	"sort"

	"github.com/samber/lo"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Metadata is an opaque mapping carried alongside offers and activities.
// Values are restricted to the JSON-like variants of structpb.Value and
// keys are always iterated in sorted order. The core never interprets it.
type Metadata map[string]*structpb.Value

// NewMetadata converts loosely typed values, refusing anything structpb
// can't represent (channels, functions, arbitrary structs...).
func NewMetadata(raw map[string]any) (Metadata, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	m := make(Metadata, len(raw))
	for k, v := range raw {
		if k == "" {
			return nil, errors.Validation("metadata key must not be empty")
		}
		value, err := structpb.NewValue(v)
		if err != nil {
			return nil, errors.Validation("metadata %q: %v", k, err)
		}
		m[k] = value
	}
	return m, nil
}

func (m Metadata) Keys() []string {
	keys := lo.Keys(m)
	sort.Strings(keys)
	return keys
}

func (m Metadata) AsMap() map[string]any {
	if len(m) == 0 {
		return nil
	}
	return lo.MapValues(m, func(v *structpb.Value, _ string) any {
		return v.AsInterface()
	})
}

func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	return lo.MapValues(m, func(v *structpb.Value, _ string) *structpb.Value {
		return proto.Clone(v).(*structpb.Value)
	})
}

func (m Metadata) Equal(other Metadata) bool {
	if len(m) != len(other) {
		return false
	}
	for k, v := range m {
		o, ok := other[k]
		if !ok || !proto.Equal(v, o) {
			return false
		}
	}
	return true
}

func (m Metadata) MarshalJSON() ([]byte, error) {
	return protojson.Marshal(&structpb.Struct{Fields: m})
}

func (m *Metadata) UnmarshalJSON(data []byte) error {
	var s structpb.Struct
	if err := protojson.Unmarshal(data, &s); err != nil {
		return err
	}
	if len(s.Fields) == 0 {
		*m = nil
		return nil
	}
	*m = s.Fields
	return nil
}
