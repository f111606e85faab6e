package domain

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"debate-replay/server/internal/model"
)

// Catalog 是只读的辩论目录：服务启动时整体加载，之后不再变化。
type Catalog struct {
	debates []model.Debate
	byID    map[string]*model.Debate
}

// LoadCatalog 从指定路径加载辩论目录并做结构校验。
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read debates: %w", err)
	}

	var debates []model.Debate
	if err := json.Unmarshal(data, &debates); err != nil {
		return nil, fmt.Errorf("parse debates: %w", err)
	}

	return NewCatalog(debates)
}

// NewCatalog 用内存中的辩论列表构建目录，回合按 Order 排好序。
func NewCatalog(debates []model.Debate) (*Catalog, error) {
	c := &Catalog{
		debates: make([]model.Debate, len(debates)),
		byID:    make(map[string]*model.Debate, len(debates)),
	}
	copy(c.debates, debates)

	for i := range c.debates {
		d := &c.debates[i]
		if err := validate(d); err != nil {
			return nil, fmt.Errorf("debate %q: %w", d.DebateID, err)
		}
		if _, dup := c.byID[d.DebateID]; dup {
			return nil, fmt.Errorf("duplicate debate id: %s", d.DebateID)
		}
		sort.SliceStable(d.Rounds, func(a, b int) bool { return d.Rounds[a].Order < d.Rounds[b].Order })
		c.byID[d.DebateID] = d
	}
	return c, nil
}

// Summaries 返回辩论列表页的摘要信息。
func (c *Catalog) Summaries() []model.DebateSummary {
	out := make([]model.DebateSummary, 0, len(c.debates))
	for _, d := range c.debates {
		out = append(out, model.DebateSummary{
			DebateID:   d.DebateID,
			Title:      d.Title,
			Topic:      d.Topic,
			RoundCount: len(d.Rounds),
		})
	}
	return out
}

// Get 按 ID 查找一场辩论。
func (c *Catalog) Get(id string) (*model.Debate, bool) {
	d, ok := c.byID[id]
	return d, ok
}

func validate(d *model.Debate) error {
	if d.DebateID == "" {
		return fmt.Errorf("missing debate_id")
	}
	if len(d.Rounds) == 0 {
		return fmt.Errorf("no rounds")
	}

	speakers := make(map[string]bool, len(d.Speakers))
	for _, s := range d.Speakers {
		if s.SpeakerID == "" {
			return fmt.Errorf("speaker with empty id")
		}
		speakers[s.SpeakerID] = true
	}

	seen := make(map[string]bool, len(d.Rounds))
	for _, r := range d.Rounds {
		if r.RoundID == "" {
			return fmt.Errorf("round with empty id")
		}
		if seen[r.RoundID] {
			return fmt.Errorf("duplicate round id: %s", r.RoundID)
		}
		seen[r.RoundID] = true
		if r.SpeakerID != "" && !speakers[r.SpeakerID] {
			return fmt.Errorf("round %s references unknown speaker %s", r.RoundID, r.SpeakerID)
		}
	}
	return nil
}
