package contract

// SectionID: 法规条款分组标识（如 "section_6"），在清单注册表内唯一。
type SectionID string

// RequirementID: 清单条目的稳定标识（如 "6.12"），在所属 Section 内唯一。
type RequirementID string

// Requirement: 单条清单要求（启动期加载，运行期只读）。
type Requirement struct {
	ID   RequirementID `json:"id" yaml:"id"`
	Text string        `json:"text" yaml:"text"`
}

// Section: 一组有序清单要求。
// 约束：
//  1. Requirements 顺序仅用于展示；ID 才是身份键；
//  2. 同一 Section 内 ID 非空且唯一。
type Section struct {
	ID           SectionID     `json:"id"`
	Title        string        `json:"title"`
	Requirements []Requirement `json:"requirements"`
}

// Requirement 按 ID 查找清单条目。
func (s Section) Requirement(id RequirementID) (Requirement, bool) {
	for _, r := range s.Requirements {
		if r.ID == id {
			return r, true
		}
	}
	return Requirement{}, false
}

// Block: 文档中的一个可评估片段。
// 约束：Index 自 0 严格递增且与文档顺序一致；Text 非空；创建后不可变。
type Block struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
}

// Status: 三值判定。
type Status string

const (
	ExplicitlyMentioned Status = "Explicitly Mentioned"
	PartiallyMentioned  Status = "Partially Mentioned"
	Missing             Status = "Missing"
)

// Valid 报告是否为三值之一。
func (s Status) Valid() bool {
	switch s {
	case ExplicitlyMentioned, PartiallyMentioned, Missing:
		return true
	}
	return false
}

// ItemVerdict: 评估器对单条清单要求的判定。
// Ref 为评估器原样返回的引用文本；RequirementID 为从 Ref 中提取的首个标识符（可能不属于当前 Section）。
type ItemVerdict struct {
	Ref           string        `json:"ref"`
	RequirementID RequirementID `json:"requirement_id"`
	Status        Status        `json:"status"`
	Justification string        `json:"justification"`
}

// BlockEvaluation: 单个 Block 在单个 Section 下的结构化评估结果。
type BlockEvaluation struct {
	MatchLevel        string        `json:"match_level"`
	ComplianceScore   float64       `json:"compliance_score"`
	Items             []ItemVerdict `json:"items"`
	SuggestedRewrite  string        `json:"suggested_rewrite"`
	SimplifiedMeaning string        `json:"simplified_meaning"`
}

// Evaluated: 已成功评估的 (Block, BlockEvaluation) 对。
type Evaluated struct {
	Block      Block
	Evaluation BlockEvaluation
}

// Match: 某条清单要求在某个 Block 上的一次命中。
type Match struct {
	BlockIndex    int    `json:"block_index"`
	BlockText     string `json:"block_text"`
	Status        Status `json:"status"`
	Justification string `json:"justification"`
}

// RequirementEvidence: 单条清单要求跨 Block 的全部证据。
// 约束：Matches 只追加、按 BlockIndex 升序；同一 RequirementID 只出现一次。
type RequirementEvidence struct {
	RequirementID   RequirementID `json:"requirement_id"`
	RequirementText string        `json:"requirement_text"`
	Matches         []Match       `json:"matches"`
}

// Representative 返回代表状态：最早 Block 的判定。无命中时返回 Missing。
func (e RequirementEvidence) Representative() Status {
	if len(e.Matches) == 0 {
		return Missing
	}
	return e.Matches[0].Status
}

// Tier: 合规等级。
type Tier string

const (
	FullyCompliant     Tier = "Fully Compliant"
	PartiallyCompliant Tier = "Partially Compliant"
	NonCompliant       Tier = "Non-Compliant"
)

// Stats: 单次 Section 分析的可观测计数。
// Attempted 为实际发出的评估次数；Failed 按 EvaluatorError.Kind 汇总。
type Stats struct {
	Blocks    int               `json:"blocks"`
	Attempted int               `json:"attempted"`
	Succeeded int               `json:"succeeded"`
	Failed    map[ErrorKind]int `json:"failed,omitempty"`
	// SelfReportedScore: 成功评估的 Compliance Score 均值（仅用于与独立评分交叉核对）。
	SelfReportedScore float64 `json:"self_reported_score"`
}

// SectionReport: 单个 (Section, 文档) 的最终报告；构造后不可变。
type SectionReport struct {
	SectionID         SectionID             `json:"section_id"`
	Title             string                `json:"title"`
	Evidence          []RequirementEvidence `json:"evidence"`
	SuggestedRewrite  string                `json:"suggested_rewrite"`
	SimplifiedMeaning string                `json:"simplified_meaning"`
	// MatchLevel 取自与 SuggestedRewrite 相同的代表性评估。
	MatchLevel       string  `json:"match_level"`
	Score            float64 `json:"score"`
	Tier             Tier    `json:"tier"`
	RequirementCount int     `json:"requirement_count"`
	Stats            Stats   `json:"stats"`
}

// Unevaluated 返回未出现在 Evidence 中的清单 ID（评分按 Missing 计，展示时被省略）。
func (r SectionReport) Unevaluated(sec Section) []RequirementID {
	seen := make(map[RequirementID]struct{}, len(r.Evidence))
	for _, e := range r.Evidence {
		seen[e.RequirementID] = struct{}{}
	}
	var out []RequirementID
	for _, req := range sec.Requirements {
		if _, ok := seen[req.ID]; !ok {
			out = append(out, req.ID)
		}
	}
	return out
}

// Summary: 一次文档运行（多个 Section）的汇总。
// Overall = 各 Section Score 均值 ×100，保留两位小数。
type Summary struct {
	RunID    string          `json:"run_id"`
	Document string          `json:"document"`
	Reports  []SectionReport `json:"reports"`
	Overall  float64         `json:"overall"`
}
