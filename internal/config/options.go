package config

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Session option defaults.
const (
	DefaultModel = "models/gemini-2.0-flash-live-001"
	DefaultVoice = "Puck"
)

// SessionOptions shapes the remote session: which model speaks, with which
// voice, under which instruction.
type SessionOptions struct {
	Model             string `yaml:"model"`
	Voice             string `yaml:"voice"`
	SystemInstruction string `yaml:"system_instruction"`
}

// DefaultSessionOptions returns the built-in session shape.
func DefaultSessionOptions() SessionOptions {
	return SessionOptions{
		Model: DefaultModel,
		Voice: DefaultVoice,
	}
}

// LoadSessionOptions reads options from a YAML file, or returns the defaults
// when path is empty. Missing fields fall back to defaults; unknown fields
// are an error so typos surface immediately.
func LoadSessionOptions(path string) (SessionOptions, error) {
	if path == "" {
		return DefaultSessionOptions(), nil
	}

	f, err := os.Open(path)
	if err != nil {
		return SessionOptions{}, fmt.Errorf("opening session file: %w", err)
	}
	defer f.Close()

	opts, err := ReadSessionOptions(f)
	if err != nil {
		return SessionOptions{}, fmt.Errorf("parsing session file %s: %w", path, err)
	}
	return opts, nil
}

// ReadSessionOptions decodes options from r with strict field checking.
func ReadSessionOptions(r io.Reader) (SessionOptions, error) {
	opts := DefaultSessionOptions()

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&opts); err != nil {
		if err == io.EOF {
			return DefaultSessionOptions(), nil
		}
		return SessionOptions{}, err
	}

	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	if opts.Voice == "" {
		opts.Voice = DefaultVoice
	}
	return opts, nil
}
