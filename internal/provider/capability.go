package provider

// Capability names a feature a model target must support for a stage.
type Capability string

const (
	CapTools          Capability = "tools"
	CapStructuredJSON Capability = "structured-json"
	CapStreaming      Capability = "streaming"
	CapComputerUse    Capability = "computer-use"
	CapImageInput     Capability = "image-input"
)

// Capabilities is a set of capability names.
type Capabilities map[Capability]bool

// NewCapabilities builds a set from a list.
func NewCapabilities(caps ...Capability) Capabilities {
	s := make(Capabilities, len(caps))
	for _, c := range caps {
		s[c] = true
	}
	return s
}

// Supports reports whether every capability in required is present.
func (c Capabilities) Supports(required Capabilities) bool {
	for cap, need := range required {
		if need && !c[cap] {
			return false
		}
	}
	return true
}

// List returns the enabled capabilities in unspecified order.
func (c Capabilities) List() []Capability {
	out := make([]Capability, 0, len(c))
	for cap, on := range c {
		if on {
			out = append(out, cap)
		}
	}
	return out
}

// Descriptor enumerates what a provider supports and its hard limits.
type Descriptor struct {
	Capabilities        Capabilities `json:"capabilities"`
	MaxOutputTokens     int          `json:"max_output_tokens"`
	MaxToolCallsPerResp int          `json:"max_tool_calls_per_response"`
	MaxImageBytes       int64        `json:"max_image_bytes"`
}

// Pricing holds per-1K-token rates for one provider:model pair, in USD.
type Pricing struct {
	InputPer1K  float64 `json:"input_per_1k"`
	OutputPer1K float64 `json:"output_per_1k"`
}
