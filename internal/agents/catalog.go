package agents

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
)

// ErrUnknownAgent is returned when an agent id is not in the catalog.
// Surfaced to callers and logged as a configuration defect.
var ErrUnknownAgent = errors.New("unknown agent")

// Agent is an immutable catalog entry: a named specialization that shapes
// how a request is composed before reaching a provider.
type Agent struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Capabilities []string `json:"capabilities"`
	Instructions string   `json:"instructions"`
	Model        string   `json:"model"` // target model hint for the router
}

// Catalog is the read-only agent registry.
type Catalog struct {
	agents map[string]Agent
}

var defaultAgents = []Agent{
	{
		ID:           "general",
		Name:         "General Assistant",
		Description:  "Answers general questions with no special focus.",
		Capabilities: []string{"chat"},
		Instructions: "You are a helpful, concise assistant.",
		Model:        "gpt-4o-mini",
	},
	{
		ID:           "coder",
		Name:         "Code Assistant",
		Description:  "Writes and reviews code with explanations.",
		Capabilities: []string{"chat", "code"},
		Instructions: "You are an expert software engineer. Prefer working code over prose, and explain tradeoffs briefly.",
		Model:        "claude-3-5-sonnet",
	},
	{
		ID:           "summarizer",
		Name:         "Summarizer",
		Description:  "Condenses long input into short summaries.",
		Capabilities: []string{"chat", "summarize"},
		Instructions: "Summarize the provided content faithfully. Do not add information that is not present in the input.",
		Model:        "claude-3-5-haiku",
	},
}

// NewCatalog builds a catalog from the compiled-in default agents.
func NewCatalog() *Catalog {
	return newCatalog(defaultAgents)
}

// LoadCatalog builds a catalog from defaults plus the AGENT_CATALOG
// environment variable, a JSON array of agent entries. Entries with an id
// already in the defaults replace them.
func LoadCatalog() (*Catalog, error) {
	raw := os.Getenv("AGENT_CATALOG")
	if raw == "" {
		return NewCatalog(), nil
	}

	var extra []Agent
	if err := json.Unmarshal([]byte(raw), &extra); err != nil {
		return nil, fmt.Errorf("failed to parse AGENT_CATALOG: %w", err)
	}
	for _, a := range extra {
		if a.ID == "" || a.Model == "" {
			return nil, fmt.Errorf("agent entries need id and model: %+v", a)
		}
	}

	return newCatalog(append(append([]Agent{}, defaultAgents...), extra...)), nil
}

func newCatalog(list []Agent) *Catalog {
	m := make(map[string]Agent, len(list))
	for _, a := range list {
		m[a.ID] = a
	}
	return &Catalog{agents: m}
}

// Get resolves an agent id.
func (c *Catalog) Get(id string) (Agent, error) {
	a, ok := c.agents[id]
	if !ok {
		return Agent{}, fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}
	return a, nil
}

// List returns all agents, ordered by id.
func (c *Catalog) List() []Agent {
	out := make([]Agent, 0, len(c.agents))
	for _, a := range c.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
