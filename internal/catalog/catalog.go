// Package catalog holds the per-tool credit price list.
//
// Lookups return value copies, so a caller that resolved a tool keeps a
// consistent view of its cost and bucket even if the table is replaced
// while the caller is still working.
package catalog

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrUnknownTool    = errors.New("unknown tool")
	ErrInvalidCatalog = errors.New("invalid catalog")
)

// Tool describes what one unit of work of a feature costs.
type Tool struct {
	ID          string `json:"tool_id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	CostPerTask int64  `json:"cost_per_task" yaml:"cost_per_task"`
	// DailyLimit caps credits spent per day in the tool's bucket. Zero means no cap.
	DailyLimit int64 `json:"daily_limit,omitempty" yaml:"daily_limit"`
	// ContextID groups tools that share one daily allowance.
	ContextID string `json:"context_id,omitempty" yaml:"context_id"`
	// ExemptFromDailyCap marks paid tools that skip the account-wide daily cap.
	ExemptFromDailyCap bool `json:"exempt_from_daily_cap,omitempty" yaml:"exempt_from_daily_cap"`
}

// Free reports whether the tool is priced at zero.
func (t Tool) Free() bool {
	return t.CostPerTask == 0
}

// BucketKey returns the quota bucket the tool draws from.
func (t Tool) BucketKey() string {
	if t.ContextID != "" {
		return t.ContextID
	}
	return t.ID
}

// Catalog is a concurrency-safe tool table.
type Catalog struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// New builds a catalog from tools. It fails if the table is invalid.
func New(tools []Tool) (*Catalog, error) {
	c := &Catalog{}
	if err := c.Replace(tools); err != nil {
		return nil, err
	}
	return c, nil
}

// Get returns a snapshot of the tool definition.
func (c *Catalog) Get(toolID string) (Tool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	t, ok := c.tools[toolID]
	if !ok {
		return Tool{}, fmt.Errorf("%w: %q", ErrUnknownTool, toolID)
	}
	return t, nil
}

// List returns every tool sorted by ID.
func (c *Catalog) List() []Tool {
	c.mu.RLock()
	out := make([]Tool, 0, len(c.tools))
	for _, t := range c.tools {
		out = append(out, t)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of tools.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.tools)
}

// Replace validates tools and swaps the whole table in one step.
// On a validation error the current table is kept.
func (c *Catalog) Replace(tools []Tool) error {
	next, err := index(tools)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.tools = next
	c.mu.Unlock()
	return nil
}

func index(tools []Tool) (map[string]Tool, error) {
	var errs []error
	out := make(map[string]Tool, len(tools))
	for i, t := range tools {
		if t.ID == "" {
			errs = append(errs, fmt.Errorf("tool #%d: id is required", i))
			continue
		}
		if t.CostPerTask < 0 {
			errs = append(errs, fmt.Errorf("tool %q: cost_per_task must be >= 0", t.ID))
		}
		if t.DailyLimit < 0 {
			errs = append(errs, fmt.Errorf("tool %q: daily_limit must be >= 0", t.ID))
		}
		if _, dup := out[t.ID]; dup {
			errs = append(errs, fmt.Errorf("tool %q: duplicate id", t.ID))
		}
		if t.Name == "" {
			t.Name = t.ID
		}
		out[t.ID] = t
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCatalog, errors.Join(errs...))
	}
	return out, nil
}

// DefaultTools is the built-in price list used when no catalog file is configured.
func DefaultTools() []Tool {
	return []Tool{
		{ID: "flashcards_generate", Name: "Flashcard Generator", CostPerTask: 1},
		{ID: "health_meal_scan", Name: "Meal Scanner", CostPerTask: 2, DailyLimit: 50, ContextID: "health_suite"},
		{ID: "health_metric_scan", Name: "Body Metrics OCR", CostPerTask: 3, DailyLimit: 50, ContextID: "health_suite"},
		{ID: "health_evolution_report", Name: "Evolution Report", CostPerTask: 5, DailyLimit: 50, ContextID: "health_suite"},
		{ID: "mind_diary_insight", Name: "Mind Diary Insight", CostPerTask: 1},
		{ID: "mestre_ia_chat", Name: "Mestre IA", CostPerTask: 1},
		{ID: "nexus_quiz", Name: "Nexus Quiz", CostPerTask: 5, ExemptFromDailyCap: true},
		{ID: "nexus_culture", Name: "Cultural Guide", CostPerTask: 10, ExemptFromDailyCap: true},
		{ID: "simulado_oab", Name: "OAB Mock Exam", CostPerTask: 20, ExemptFromDailyCap: true},
		{ID: "util_jurismemoria", Name: "JurisMemoria", CostPerTask: 3, ExemptFromDailyCap: true},
		{ID: "executive_mission", Name: "Executive Mission", CostPerTask: 15, ExemptFromDailyCap: true},
		{ID: "study_planner", Name: "Study Planner", CostPerTask: 0},
	}
}
