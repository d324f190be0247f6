package wire

import (
	"fmt"
)

// Codec is the gRPC codec of the plugin service. It speaks the protobuf
// wire format for the Frame types of this package and reports the "proto"
// content subtype, so hosts built on generated protobuf code accept it.
type Codec struct{}

// Name implements encoding.Codec.
func (Codec) Name() string {
	return "proto"
}

// Marshal implements encoding.Codec.
func (Codec) Marshal(v any) ([]byte, error) {
	f, ok := v.(Frame)
	if !ok {
		return nil, fmt.Errorf("wire: cannot marshal %T", v)
	}
	return f.Marshal()
}

// Unmarshal implements encoding.Codec.
func (Codec) Unmarshal(data []byte, v any) error {
	f, ok := v.(Frame)
	if !ok {
		return fmt.Errorf("wire: cannot unmarshal into %T", v)
	}
	return f.Unmarshal(data)
}
