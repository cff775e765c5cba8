// Package runtime links instrumented modules into runnable artifacts.
//
// An artifact is the "instrumented binary" of probekit: one msgpack file
// holding the instrumented module, the metadata its probes refer to and
// the run settings chosen at instrumentation time. `probekit exec` loads
// it in a child process and runs it against a fresh monitor.
package runtime

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/mod/semver"

	"github.com/kolkov/probekit/cmd/probekit/instrument"
	"github.com/kolkov/probekit/internal/ir"
)

// FormatVersion is the artifact format written by Link. Load accepts any
// artifact with the same major version and a minor version not newer
// than this one.
const FormatVersion = "v1.1.0"

// Magic identifies artifact files.
const Magic = "probekit-artifact"

var (
	// ErrIncompatibleArtifact is returned by Load for files that are not
	// artifacts or were written in a format this build cannot read.
	ErrIncompatibleArtifact = errors.New("incompatible artifact")
)

// Settings are run parameters fixed when the artifact is linked.
type Settings struct {
	Race    string `msgpack:"race,omitempty"`
	Redzone uint64 `msgpack:"redzone,omitempty"`
}

// Artifact is a linked, runnable instrumented module.
type Artifact struct {
	Module   *ir.Module
	Meta     *ir.Metadata
	Settings Settings
	// Tool is the probekit version that linked the artifact.
	Tool string
}

// envelope is the on-disk form. The module travels as its YAML text so
// Load revalidates it with the regular IR parser.
type envelope struct {
	Magic    string       `msgpack:"magic"`
	Format   string       `msgpack:"format"`
	Tool     string       `msgpack:"tool"`
	Module   []byte       `msgpack:"module"`
	Meta     *ir.Metadata `msgpack:"meta"`
	Settings Settings     `msgpack:"settings"`
}

// Encode serializes the artifact.
func (a *Artifact) Encode() ([]byte, error) {
	mod, err := a.Module.Marshal()
	if err != nil {
		return nil, err
	}
	data, err := msgpack.Marshal(&envelope{
		Magic:    Magic,
		Format:   FormatVersion,
		Tool:     a.Tool,
		Module:   mod,
		Meta:     a.Meta,
		Settings: a.Settings,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode artifact: %w", err)
	}
	return data, nil
}

// Decode parses an artifact written by Encode.
func Decode(data []byte) (*Artifact, error) {
	var env envelope
	if err := msgpack.NewDecoder(bytes.NewReader(data)).Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIncompatibleArtifact, err)
	}
	if env.Magic != Magic {
		return nil, fmt.Errorf("%w: not a probekit artifact", ErrIncompatibleArtifact)
	}
	if err := CheckFormat(env.Format); err != nil {
		return nil, err
	}
	mod, err := ir.Parse(env.Module)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIncompatibleArtifact, err)
	}
	meta := env.Meta
	if meta == nil {
		meta = &ir.Metadata{}
	}
	return &Artifact{Module: mod, Meta: meta, Settings: env.Settings, Tool: env.Tool}, nil
}

// CheckFormat reports whether an artifact of format version v can be
// loaded by this build.
func CheckFormat(v string) error {
	if !semver.IsValid(v) {
		return fmt.Errorf("%w: invalid format version %q", ErrIncompatibleArtifact, v)
	}
	if semver.Major(v) != semver.Major(FormatVersion) {
		return fmt.Errorf("%w: format %s, this build reads %s", ErrIncompatibleArtifact, v, semver.Major(FormatVersion))
	}
	if semver.Compare(semver.MajorMinor(v), semver.MajorMinor(FormatVersion)) > 0 {
		return fmt.Errorf("%w: format %s is newer than %s", ErrIncompatibleArtifact, v, FormatVersion)
	}
	return nil
}

// Link writes the instrumentation result to path as an artifact.
//
// Parameters:
//   - path: Destination file, replaced atomically
//   - res: Output of instrument.Instrument
//   - settings: Run parameters to store with it
//   - tool: Version of the linking probekit binary
func Link(path string, res *instrument.InstrumentResult, settings Settings, tool string) error {
	a := &Artifact{Module: res.Module, Meta: res.Meta, Settings: settings, Tool: tool}
	data, err := a.Encode()
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".artifact-*")
	if err != nil {
		return fmt.Errorf("failed to create artifact: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to write artifact: %w", err)
	}
	return nil
}

// Load reads the artifact at path.
func Load(path string) (*Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact: %w", err)
	}
	a, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return a, nil
}
