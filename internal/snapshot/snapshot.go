// Package snapshot writes kernel state snapshots as zstd-compressed JSON
// and reads them back, compressed or not.
package snapshot

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gabriel-vasile/mimetype"
	"github.com/klauspost/compress/zstd"

	"github.com/GriffinCanCode/capkernel/internal/kernel"
)

// Version is the snapshot format version.
const Version = 1

// ErrVersion is returned for a snapshot written by another format version.
var ErrVersion = errors.New("snapshot: unsupported version")

// ErrFormat is returned for data that is neither zstd nor JSON.
var ErrFormat = errors.New("snapshot: unknown format")

// ErrBadName is returned for paths that are not stored snapshots.
var ErrBadName = errors.New("snapshot: bad name")

// Snapshot is a kernel state with where and when it was taken.
type Snapshot struct {
	Version  int          `json:"version"`
	Instance string       `json:"instance"`
	Taken    time.Time    `json:"taken"`
	Reason   string       `json:"reason,omitempty"`
	State    kernel.State `json:"state"`
}

// New wraps a state taken now.
func New(instance, reason string, s kernel.State) Snapshot {
	return Snapshot{Version: Version, Instance: instance, Taken: time.Now().UTC(), Reason: reason, State: s}
}

// Marshal encodes s as JSON.
func Marshal(s Snapshot) ([]byte, error) {
	return sonic.ConfigStd.Marshal(s)
}

// Write encodes s to w, zstd-compressed.
func Write(w io.Writer, s Snapshot) error {
	raw, err := Marshal(s)
	if err != nil {
		return fmt.Errorf("snapshot: encode: %w", err)
	}
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return err
	}
	if _, err := enc.Write(raw); err != nil {
		enc.Close()
		return fmt.Errorf("snapshot: compress: %w", err)
	}
	return enc.Close()
}

// Read decodes a snapshot written by Write. Plain JSON snapshots are
// accepted as well.
func Read(r io.Reader) (Snapshot, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot: %w", err)
	}
	raw := data
	if mtype := mimetype.Detect(data); mtype.Is("application/zstd") {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return Snapshot{}, err
		}
		defer dec.Close()
		if raw, err = dec.DecodeAll(data, nil); err != nil {
			return Snapshot{}, fmt.Errorf("snapshot: decompress: %w", err)
		}
	} else if !mtype.Is("application/json") && !mtype.Is("text/plain") {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrFormat, mtype)
	}

	var s Snapshot
	if err := sonic.ConfigStd.Unmarshal(raw, &s); err != nil {
		return Snapshot{}, fmt.Errorf("snapshot: decode: %w", err)
	}
	if s.Version != Version {
		return Snapshot{}, fmt.Errorf("%w: %d", ErrVersion, s.Version)
	}
	return s, nil
}
