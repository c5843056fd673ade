package encoding

import (
	"github.com/pelletier/go-toml/v2"
)

// LoadAndUnmarshalTOML loads path and unmarshals it as TOML into message. If
// path does not exist, the returned error satisfies os.IsNotExist.
func LoadAndUnmarshalTOML(path string, message interface{}) error {
	return loadAndUnmarshal(path, func(data []byte) error {
		return toml.Unmarshal(data, message)
	})
}

// MarshalAndSaveTOML marshals message as TOML and writes it to path
// atomically with 0600 permissions.
func MarshalAndSaveTOML(path string, message interface{}) error {
	return marshalAndSave(path, func() ([]byte, error) {
		return toml.Marshal(message)
	})
}
