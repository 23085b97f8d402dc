package prover

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/Mindburn-Labs/webproof/pkg/manifest"
)

// Notary defaults.
const (
	DefaultNotaryHost  = "32703e3.notary.pluto.dev"
	DefaultNotaryPort  = 443
	DefaultMaxSentData = 10000
	DefaultMaxRecvData = 10000
)

// NotaryConfig locates the notary and bounds the proven transcript.
type NotaryConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	MaxSentData int    `yaml:"max_sent_data"`
	MaxRecvData int    `yaml:"max_recv_data"`
}

// DefaultNotary returns the hosted notary with default transcript limits.
func DefaultNotary() NotaryConfig {
	return NotaryConfig{
		Host:        DefaultNotaryHost,
		Port:        DefaultNotaryPort,
		MaxSentData: DefaultMaxSentData,
		MaxRecvData: DefaultMaxRecvData,
	}
}

func (n NotaryConfig) withDefaults() NotaryConfig {
	d := DefaultNotary()
	if n.Host == "" {
		n.Host = d.Host
	}
	if n.Port == 0 {
		n.Port = d.Port
	}
	if n.MaxSentData == 0 {
		n.MaxSentData = d.MaxSentData
	}
	if n.MaxRecvData == 0 {
		n.MaxRecvData = d.MaxRecvData
	}
	return n
}

// Config is the flat document handed to the proving engine.
type Config struct {
	Mode          manifest.Mode     `json:"mode"`
	NotaryHost    string            `json:"notary_host"`
	NotaryPort    int               `json:"notary_port"`
	TargetMethod  manifest.Method   `json:"target_method"`
	TargetURL     string            `json:"target_url"`
	TargetHeaders map[string]string `json:"target_headers"`
	TargetBody    string            `json:"target_body"`
	MaxSentData   int               `json:"max_sent_data"`
	MaxRecvData   int               `json:"max_recv_data"`
	Proving       Proving           `json:"proving"`
}

// Proving carries the manifest itself as a JSON object.
type Proving struct {
	Manifest json.RawMessage `json:"manifest"`
}

// BuildConfig synthesizes the engine configuration for m. Extra headers win
// over request headers. The body is base64 of its JSON encoding; an absent
// body is encoded as the empty JSON string.
func BuildConfig(m *manifest.ManifestFile, notary NotaryConfig) (*Config, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: manifest is nil", ErrInvalidManifest)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidManifest, err)
	}
	notary = notary.withDefaults()

	body := m.Request.Body
	if body.IsZero() {
		body = manifest.String("")
	}
	bodyJSON, err := manifest.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%w: encode body: %w", ErrInvalidManifest, err)
	}
	manifestJSON, err := manifest.Serialize(m)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidManifest, err)
	}

	return &Config{
		Mode:          m.Mode.OrDefault(),
		NotaryHost:    notary.Host,
		NotaryPort:    notary.Port,
		TargetMethod:  m.Request.Method,
		TargetURL:     m.Request.URL,
		TargetHeaders: m.Request.MergedHeaders(),
		TargetBody:    base64.StdEncoding.EncodeToString(bodyJSON),
		MaxSentData:   notary.MaxSentData,
		MaxRecvData:   notary.MaxRecvData,
		Proving:       Proving{Manifest: manifestJSON},
	}, nil
}

// JSON encodes c for the engine.
func (c *Config) JSON() ([]byte, error) {
	return manifest.Marshal(c)
}

// asMap converts v into plain maps for policy evaluation.
func asMap(v any) (map[string]any, error) {
	raw, err := manifest.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
