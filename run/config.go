package run

import (
	"bytes"
	"encoding/json"
	"math/big"

	"github.com/kbukum/runkit/credit"
	"github.com/kbukum/runkit/errors"
	"github.com/kbukum/runkit/pathselect"
)

// ConfigVersion is written into every serialized Config.
const ConfigVersion = "1.0"

// BranchFailurePolicy decides what a branch failure does to its run.
type BranchFailurePolicy string

const (
	// OnBranchFailureStop fails the whole run, reporting the failing branch
	// and node. Remaining branches are left as they are.
	OnBranchFailureStop BranchFailurePolicy = "Stop"
	// OnBranchFailureContinue fails only the branch. The run fails only if
	// every branch fails.
	OnBranchFailureContinue BranchFailurePolicy = "Continue"
)

// CreditPolicy decides what an exhausted ledger does to a branch.
type CreditPolicy string

const (
	// OnCreditExhaustedPause parks the branch in Waiting.
	OnCreditExhaustedPause CreditPolicy = "Pause"
	// OnCreditExhaustedFail fails the branch.
	OnCreditExhaustedFail CreditPolicy = "Fail"
)

// ExecutionStrategy is Auto or Manual.
type ExecutionStrategy string

const (
	Auto   ExecutionStrategy = "Auto"
	Manual ExecutionStrategy = "Manual"
)

// Resource is an opaque reference attached to a run configuration.
type Resource struct {
	ID   string         `json:"id,omitempty"`
	Type string         `json:"type,omitempty"`
	Name string         `json:"name,omitempty"`
	Data map[string]any `json:"data,omitempty"`
}

// Config is the versioned run configuration.
type Config struct {
	Version             string              `json:"__version"`
	Resources           []Resource          `json:"resources"`
	Metadata            map[string]any      `json:"metadata"`
	OnBranchFailure     BranchFailurePolicy `json:"onBranchFailure"`
	OnCreditExhausted   CreditPolicy        `json:"onCreditExhausted"`
	PathSelection       pathselect.Strategy `json:"pathSelection"`
	FanOut              bool                `json:"fanOut"`
	SubroutineExecution ExecutionStrategy   `json:"subroutineExecution"`
	InputGeneration     ExecutionStrategy   `json:"inputGeneration"`
	// TaskMaxCredits is a decimal integer string; empty means no task cap
	// beyond the user's balance.
	TaskMaxCredits string `json:"taskMaxCredits,omitempty"`
}

// DefaultConfig returns the configuration used when fields are absent.
func DefaultConfig() Config {
	return Config{
		Version:             ConfigVersion,
		Resources:           []Resource{},
		Metadata:            map[string]any{},
		OnBranchFailure:     OnBranchFailureStop,
		OnCreditExhausted:   OnCreditExhaustedPause,
		PathSelection:       pathselect.AutoPickFirst,
		SubroutineExecution: Auto,
		InputGeneration:     Auto,
	}
}

// ParseConfig decodes data leniently: missing, unknown or malformed fields
// fall back to their defaults and unknown versions are accepted. Only input
// that is not a JSON object fails. Empty input yields DefaultConfig.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if len(bytes.TrimSpace(data)) == 0 {
		return cfg, nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return cfg, errors.InvalidInput("config", "run config is not a JSON object").WithCause(err)
	}

	if v, ok := raw["__version"]; ok {
		decodeInto(v, &cfg.Version)
	}
	if v, ok := raw["resources"]; ok {
		var resources []Resource
		if decodeInto(v, &resources) && resources != nil {
			cfg.Resources = resources
		}
	}
	if v, ok := raw["metadata"]; ok {
		var md map[string]any
		if decodeInto(v, &md) && md != nil {
			cfg.Metadata = md
		}
	}
	if v, ok := raw["onBranchFailure"]; ok {
		var p BranchFailurePolicy
		if decodeInto(v, &p) && (p == OnBranchFailureStop || p == OnBranchFailureContinue) {
			cfg.OnBranchFailure = p
		}
	}
	if v, ok := raw["onCreditExhausted"]; ok {
		var p CreditPolicy
		if decodeInto(v, &p) && (p == OnCreditExhaustedPause || p == OnCreditExhaustedFail) {
			cfg.OnCreditExhausted = p
		}
	}
	if v, ok := raw["pathSelection"]; ok {
		var s string
		if decodeInto(v, &s) {
			if strategy, valid := pathselect.ParseStrategy(s); valid {
				cfg.PathSelection = strategy
			}
		}
	}
	if v, ok := raw["fanOut"]; ok {
		decodeInto(v, &cfg.FanOut)
	}
	if v, ok := raw["subroutineExecution"]; ok {
		cfg.SubroutineExecution = decodeStrategy(v, cfg.SubroutineExecution)
	}
	if v, ok := raw["inputGeneration"]; ok {
		cfg.InputGeneration = decodeStrategy(v, cfg.InputGeneration)
	}
	if v, ok := raw["taskMaxCredits"]; ok {
		var n json.Number
		dec := json.NewDecoder(bytes.NewReader(v))
		dec.UseNumber()
		var val interface{}
		if dec.Decode(&val) == nil {
			switch t := val.(type) {
			case json.Number:
				n = t
			case string:
				n = json.Number(t)
			}
			if amount, err := credit.Normalize(n); err == nil && amount.Sign() >= 0 {
				cfg.TaskMaxCredits = amount.String()
			}
		}
	}
	return cfg, nil
}

func decodeInto(raw json.RawMessage, dst any) bool {
	return json.Unmarshal(raw, dst) == nil
}

func decodeStrategy(raw json.RawMessage, def ExecutionStrategy) ExecutionStrategy {
	var s ExecutionStrategy
	if decodeInto(raw, &s) && (s == Auto || s == Manual) {
		return s
	}
	return def
}

// Marshal encodes c, always stamping the current ConfigVersion.
func (c Config) Marshal() ([]byte, error) {
	out := c.Clone()
	out.Version = ConfigVersion
	if out.Resources == nil {
		out.Resources = []Resource{}
	}
	if out.Metadata == nil {
		out.Metadata = map[string]any{}
	}
	type plain Config
	return json.Marshal(plain(out))
}

// MarshalJSON implements json.Marshaler via Marshal.
func (c Config) MarshalJSON() ([]byte, error) { return c.Marshal() }

// UnmarshalJSON implements json.Unmarshaler via ParseConfig.
func (c *Config) UnmarshalJSON(data []byte) error {
	cfg, err := ParseConfig(data)
	if err != nil {
		return err
	}
	*c = cfg
	return nil
}

// TaskMax returns TaskMaxCredits as an integer, or fallback when unset.
func (c Config) TaskMax(fallback *big.Int) *big.Int {
	if c.TaskMaxCredits == "" {
		return new(big.Int).Set(fallback)
	}
	n, err := credit.Normalize(c.TaskMaxCredits)
	if err != nil {
		return new(big.Int).Set(fallback)
	}
	return n
}

// Clone returns a deep copy of c.
func (c Config) Clone() Config {
	out := c
	if c.Resources != nil {
		out.Resources = make([]Resource, len(c.Resources))
		for i, r := range c.Resources {
			r.Data = deepCopyMap(r.Data)
			out.Resources[i] = r
		}
	}
	if c.Metadata != nil {
		out.Metadata = deepCopyMap(c.Metadata)
	}
	return out
}
