// Package checklist 持有进程级、只读的法规清单注册表。
package checklist

import (
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"policyeval/pkg/contract"
)

//go:embed dpdpa.yaml
var defaultChecklist []byte

var validate = validator.New()

// sectionDoc 为清单文件中单个 Section 的形状（YAML；JSON 作为 YAML 子集同样可读）。
type sectionDoc struct {
	Title        string           `yaml:"title" validate:"required"`
	Requirements []requirementDoc `yaml:"requirements" validate:"required,min=1,dive"`
}

type requirementDoc struct {
	ID   string `yaml:"id" validate:"required"`
	Text string `yaml:"text" validate:"required"`
}

// Registry: 加载后不可变；并发读取无需加锁。对外返回的均为拷贝。
type Registry struct {
	order    []contract.SectionID
	sections map[contract.SectionID]contract.Section
	digest   string
}

// Default 返回内置清单（DPDP Act 2023 第 4–8 条）。
func Default() (*Registry, error) {
	return Load(defaultChecklist)
}

// LoadFile 从文件加载清单；path 为空时回退内置清单。
func LoadFile(path string) (*Registry, error) {
	if strings.TrimSpace(path) == "" {
		return Default()
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read checklist %s: %w", path, err)
	}
	return Load(b)
}

// Load 解析并校验清单。顶层映射的键顺序即为配置顺序。
func Load(data []byte) (*Registry, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("%w: parse checklist: %v", contract.ErrInvalidInput, err)
	}
	if len(root.Content) == 0 {
		return nil, fmt.Errorf("%w: empty checklist", contract.ErrInvalidInput)
	}
	m := root.Content[0]
	if m.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: checklist root must be a mapping of section ids", contract.ErrInvalidInput)
	}
	reg := &Registry{sections: make(map[contract.SectionID]contract.Section, len(m.Content)/2)}
	for i := 0; i+1 < len(m.Content); i += 2 {
		id := strings.TrimSpace(m.Content[i].Value)
		if id == "" {
			return nil, fmt.Errorf("%w: empty section id (line %d)", contract.ErrInvalidInput, m.Content[i].Line)
		}
		sid := contract.SectionID(id)
		if _, dup := reg.sections[sid]; dup {
			return nil, fmt.Errorf("%w: duplicate section %q", contract.ErrInvalidInput, id)
		}
		var doc sectionDoc
		if err := m.Content[i+1].Decode(&doc); err != nil {
			return nil, fmt.Errorf("%w: section %q: %v", contract.ErrInvalidInput, id, err)
		}
		sec, err := doc.toSection(sid)
		if err != nil {
			return nil, err
		}
		reg.order = append(reg.order, sid)
		reg.sections[sid] = sec
	}
	if len(reg.order) == 0 {
		return nil, fmt.Errorf("%w: checklist has no sections", contract.ErrInvalidInput)
	}
	sum := sha256.Sum256(data)
	reg.digest = hex.EncodeToString(sum[:6])
	return reg, nil
}

func (d sectionDoc) toSection(id contract.SectionID) (contract.Section, error) {
	d.Title = strings.TrimSpace(d.Title)
	for i := range d.Requirements {
		d.Requirements[i].ID = strings.TrimSpace(d.Requirements[i].ID)
		d.Requirements[i].Text = strings.TrimSpace(d.Requirements[i].Text)
	}
	if err := validate.Struct(d); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return contract.Section{}, fmt.Errorf("%w: section %q: field %s failed %q", contract.ErrInvalidInput, id, verrs[0].Namespace(), verrs[0].Tag())
		}
		return contract.Section{}, fmt.Errorf("%w: section %q: %v", contract.ErrInvalidInput, id, err)
	}
	sec := contract.Section{ID: id, Title: d.Title, Requirements: make([]contract.Requirement, 0, len(d.Requirements))}
	seen := make(map[string]struct{}, len(d.Requirements))
	for _, r := range d.Requirements {
		if _, dup := seen[r.ID]; dup {
			return contract.Section{}, fmt.Errorf("%w: section %q: duplicate requirement id %q", contract.ErrInvalidInput, id, r.ID)
		}
		seen[r.ID] = struct{}{}
		sec.Requirements = append(sec.Requirements, contract.Requirement{ID: contract.RequirementID(r.ID), Text: r.Text})
	}
	return sec, nil
}

// Section 返回指定 Section 的拷贝；未知 ID 返回 ErrSectionNotFound。
func (r *Registry) Section(id contract.SectionID) (contract.Section, error) {
	sec, ok := r.sections[id]
	if !ok {
		return contract.Section{}, fmt.Errorf("%w: %q", contract.ErrSectionNotFound, id)
	}
	return copySection(sec), nil
}

// IDs 按配置顺序返回全部 Section ID。
func (r *Registry) IDs() []contract.SectionID {
	out := make([]contract.SectionID, len(r.order))
	copy(out, r.order)
	return out
}

// Sections 按配置顺序返回全部 Section 的拷贝。
func (r *Registry) Sections() []contract.Section {
	out := make([]contract.Section, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, copySection(r.sections[id]))
	}
	return out
}

// Digest 返回清单内容的短哈希，用于标识清单版本。
func (r *Registry) Digest() string { return r.digest }

func copySection(s contract.Section) contract.Section {
	reqs := make([]contract.Requirement, len(s.Requirements))
	copy(reqs, s.Requirements)
	s.Requirements = reqs
	return s
}
