package core

import (
	"bytes"
	"compress/zlib"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Version is reported in the dictionary.
const Version = "gospi-0.1.0"

// DictionaryData is the decoded data dictionary the host retrieves with
// identify.
type DictionaryData struct {
	Version       string                    `json:"version"`
	BuildVersions string                    `json:"build_versions"`
	Config        map[string]string         `json:"config"`
	Commands      map[string]int            `json:"commands"`
	Responses     map[string]int            `json:"responses"`
	Enumerations  map[string]map[string]int `json:"enumerations,omitempty"`
}

// Dictionary builds the zlib-compressed JSON dictionary for a registry.
type Dictionary struct {
	mu            sync.Mutex
	reg           *CommandRegistry
	version       string
	buildVersions string
	constants     map[string]string
	enumerations  map[string]map[string]int
	cached        []byte
}

// NewDictionary creates a dictionary over reg.
func NewDictionary(reg *CommandRegistry) *Dictionary {
	return &Dictionary{
		reg:           reg,
		version:       Version,
		buildVersions: "go",
		constants:     make(map[string]string),
		enumerations:  make(map[string]map[string]int),
	}
}

// SetVersion sets the version strings.
func (d *Dictionary) SetVersion(version, buildVersions string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.version, d.buildVersions = version, buildVersions
	d.cached = nil
}

// AddConstant exposes a constant to the host. Values are sent as strings.
func (d *Dictionary) AddConstant(name string, value any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.constants[name] = fmt.Sprint(value)
	d.cached = nil
}

// AddEnumeration exposes a name-to-index enumeration. Empty names are
// skipped.
func (d *Dictionary) AddEnumeration(name string, values []string) {
	m := make(map[string]int, len(values))
	for i, v := range values {
		if v != "" {
			m[v] = i
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enumerations[name] = m
	d.cached = nil
}

// Bytes returns the compressed dictionary, building it on first use.
// Commands registered afterwards are not included until a constant,
// enumeration or version changes.
func (d *Dictionary) Bytes() ([]byte, error) {
	commands, responses := d.reg.CommandsAndResponses()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cached != nil {
		return d.cached, nil
	}

	data := DictionaryData{
		Version:       d.version,
		BuildVersions: d.buildVersions,
		Config:        d.constants,
		Commands:      commands,
		Responses:     responses,
	}
	if len(d.enumerations) > 0 {
		data.Enumerations = d.enumerations
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode dictionary: %w", err)
	}

	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, zlib.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(raw); err != nil {
		return nil, fmt.Errorf("compress dictionary: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("compress dictionary: %w", err)
	}
	d.cached = buf.Bytes()
	return d.cached, nil
}

// Chunk returns up to count bytes of the compressed dictionary starting at
// offset. Past the end it returns an empty slice.
func (d *Dictionary) Chunk(offset uint32, count uint8) ([]byte, error) {
	data, err := d.Bytes()
	if err != nil {
		return nil, err
	}
	if offset >= uint32(len(data)) {
		return []byte{}, nil
	}
	end := min(offset+uint32(count), uint32(len(data)))
	return data[offset:end], nil
}

// ParseDictionary decompresses and decodes a retrieved dictionary.
func ParseDictionary(compressed []byte) (*DictionaryData, error) {
	r, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("decompress dictionary: %w", err)
	}
	defer r.Close()
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("decompress dictionary: %w", err)
	}

	var data DictionaryData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decode dictionary: %w", err)
	}
	return &data, nil
}
