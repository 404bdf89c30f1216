// Package codec encodes table documents for backends that store opaque bytes.
package codec

import "fmt"

// Codec encodes and decodes values for table storage.
type Codec interface {
	// Marshal serializes v into bytes.
	Marshal(v any) ([]byte, error)
	// Unmarshal deserializes data into v (must be a pointer).
	Unmarshal(data []byte, v any) error
	// Name returns the codec identifier used in configuration.
	Name() string
}

// ByName returns the codec registered under name. An empty name selects Default.
func ByName(name string) (Codec, error) {
	switch name {
	case "":
		return Default, nil
	case JSON{}.Name():
		return JSON{}, nil
	case MsgPack{}.Name():
		return MsgPack{}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}
