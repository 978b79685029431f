package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadFile overlays the YAML file at path onto cfg. Keys absent from the
// file keep their current values. Unknown keys are an error.
//
//	c4d: /opt/maxon/cinema4d/bin/Commandline
//	start: 1
//	end: 100
//	idle_timeout: 2h
//	rules:
//	  - name: octane_out_of_vram
//	    kind: fatal
//	    pattern: 'OUT OF MEMORY'
//	popups:
//	  - name: crash_reporter
//	    pattern: 'Bug Report.*'
//	    action: Close
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	if err := decodeYAML(data, cfg); err != nil {
		return fmt.Errorf("config %s: %w", path, err)
	}
	return nil
}

func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		// An empty file decodes to io.EOF and changes nothing.
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}
