// Package host defines the unit of membership in a weft discovery
// directory and its wire encoding.
//
// Each registered server owns one ephemeral node named "address:port"
// under the discovery path; the node payload is the encoded Host. The
// encoding is versioned JSON so that additive schema changes survive a
// mixed-version fleet.
package host

import (
	"encoding/json"
	"fmt"

	"github.com/teranos/weft/errors"
)

// CurrentVersion is the schema version written by this build. Readers
// accept any version up to and including it.
const CurrentVersion int32 = 0

// ErrDecode is the sentinel wrapped by every Decode failure.
var ErrDecode = errors.New("host: malformed record")

// Metadata carries the mutable routing state published alongside a
// host's identity. Lower load means less busy.
type Metadata struct {
	Load        int32 `json:"load"`
	Quarantined bool  `json:"quarantined"`
}

// Host identifies one registered server endpoint. Equality for
// membership purposes is by (Address, Port); Version and Metadata are
// mutable over the host's lifetime.
type Host struct {
	Version  int32    `json:"version"`
	Address  string   `json:"address"`
	Port     uint16   `json:"port"`
	Metadata Metadata `json:"metadata"`
}

// New returns a Host at the current schema version with zero load.
func New(address string, port uint16) Host {
	return Host{Version: CurrentVersion, Address: address, Port: port}
}

// Key returns the node name for this host under a discovery path.
func (h Host) Key() string {
	return fmt.Sprintf("%s:%d", h.Address, h.Port)
}

// Target returns the dialable endpoint, identical to Key but kept
// separate so call sites say what they mean.
func (h Host) Target() string {
	return h.Key()
}

// Encode serializes the host for storage in its registration node.
func Encode(h Host) []byte {
	// Host marshals from plain fields only; this cannot fail.
	data, err := json.Marshal(h)
	if err != nil {
		panic(err)
	}
	return data
}

// wireHost mirrors Host with a pointer port so a missing field is
// distinguishable from port 0.
type wireHost struct {
	Version  int32           `json:"version"`
	Address  *string         `json:"address"`
	Port     *int64          `json:"port"`
	Metadata json.RawMessage `json:"metadata"`
}

// Decode parses bytes written by Encode. It fails with an error
// matching ErrDecode when the payload is malformed, truncated, carries
// a port outside the 16-bit range, or declares a schema version newer
// than CurrentVersion.
func Decode(data []byte) (Host, error) {
	if len(data) == 0 {
		return Host{}, errors.Wrap(ErrDecode, "empty payload")
	}

	var w wireHost
	if err := json.Unmarshal(data, &w); err != nil {
		return Host{}, errors.Wrapf(ErrDecode, "invalid JSON: %v", err)
	}

	if w.Version > CurrentVersion {
		return Host{}, errors.Wrapf(ErrDecode, "unknown schema version %d (reader supports <= %d)", w.Version, CurrentVersion)
	}
	if w.Address == nil || *w.Address == "" {
		return Host{}, errors.Wrap(ErrDecode, "missing address")
	}
	if w.Port == nil {
		return Host{}, errors.Wrap(ErrDecode, "missing port")
	}
	if *w.Port < 0 || *w.Port > 65535 {
		return Host{}, errors.Wrapf(ErrDecode, "port %d out of range", *w.Port)
	}

	h := Host{
		Version: w.Version,
		Address: *w.Address,
		Port:    uint16(*w.Port),
	}
	if len(w.Metadata) > 0 {
		if err := json.Unmarshal(w.Metadata, &h.Metadata); err != nil {
			return Host{}, errors.Wrapf(ErrDecode, "invalid metadata: %v", err)
		}
	}
	return h, nil
}
