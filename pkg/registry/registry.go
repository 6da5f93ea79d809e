// Package registry 以名称登记各类插件工厂；工厂接收原样 JSON Options。
package registry

import (
	"bytes"
	"encoding/json"
	"sort"

	"policyeval/pkg/contract"
	evj "policyeval/plugins/decoder/evaljson"
	"policyeval/plugins/llmclient/flaky"
	gmi "policyeval/plugins/llmclient/gemini"
	"policyeval/plugins/llmclient/mock"
	oai "policyeval/plugins/llmclient/openai"
	pcl "policyeval/plugins/prompt/checklist"
	rfs "policyeval/plugins/reader/filesystem"
	rcsv "policyeval/plugins/render/csv"
	rhtml "policyeval/plugins/render/html"
	rjsonl "policyeval/plugins/render/jsonl"
	rmd "policyeval/plugins/render/markdown"
	shd "policyeval/plugins/splitter/heading"
	sqlite "policyeval/plugins/store/sqlite"
	wfs "policyeval/plugins/writer/filesystem"
)

// strictUnmarshal: 使用 DisallowUnknownFields 严格解码，拒绝未知字段。
func strictUnmarshal(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		// 保持零值（默认选项）
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

type (
	NewReader        func(raw json.RawMessage) (contract.Reader, error)
	NewSegmenter     func(raw json.RawMessage) (contract.Segmenter, error)
	NewPromptBuilder func(raw json.RawMessage) (contract.PromptBuilder, error)
	NewLLMClient     func(raw json.RawMessage) (contract.LLMClient, error)
	NewDecoder       func(raw json.RawMessage) (contract.Decoder, error)
	NewRenderer      func(raw json.RawMessage) (contract.Renderer, error)
	NewWriter        func(raw json.RawMessage) (contract.Writer, error)
	NewStore         func(raw json.RawMessage) (contract.Store, error)
)

// Reader 工厂注册表（显式、零反射）。
var Reader = map[string]NewReader{
	// fs: 文件系统/STDIN Reader（.txt/.md/.docx）
	"fs": func(raw json.RawMessage) (contract.Reader, error) {
		var opts rfs.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return rfs.New(&opts), nil
	},
}

// Segmenter 工厂注册表。
var Segmenter = map[string]NewSegmenter{
	// heading: 按标题行切块
	"heading": func(raw json.RawMessage) (contract.Segmenter, error) {
		var opts shd.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return shd.New(&opts)
	},
}

// PromptBuilder 工厂注册表。
var PromptBuilder = map[string]NewPromptBuilder{
	"checklist": func(raw json.RawMessage) (contract.PromptBuilder, error) {
		var opts pcl.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return pcl.New(&opts)
	},
}

// LLMClient 工厂注册表。
var LLMClient = map[string]NewLLMClient{
	"openai": func(raw json.RawMessage) (contract.LLMClient, error) { return oai.New(raw) },
	"gemini": func(raw json.RawMessage) (contract.LLMClient, error) { return gmi.New(raw) },
	"mock":   func(raw json.RawMessage) (contract.LLMClient, error) { return mock.New(raw) },
	"flaky":  func(raw json.RawMessage) (contract.LLMClient, error) { return flaky.New(raw) },
}

// Decoder 工厂注册表。
var Decoder = map[string]NewDecoder{
	// evaljson: 五字段评估 JSON（容忍代码围栏与前后说明）
	"evaljson": func(raw json.RawMessage) (contract.Decoder, error) { return evj.New(raw) },
}

// Renderer 工厂注册表；名称同时是配置中 components.renderers 的取值。
var Renderer = map[string]NewRenderer{
	"markdown": func(raw json.RawMessage) (contract.Renderer, error) { return rmd.New(raw) },
	"html":     func(raw json.RawMessage) (contract.Renderer, error) { return rhtml.New(raw) },
	"csv":      func(raw json.RawMessage) (contract.Renderer, error) { return rcsv.New(raw) },
	"jsonl":    func(raw json.RawMessage) (contract.Renderer, error) { return rjsonl.New(raw) },
}

// Writer 工厂注册表。
var Writer = map[string]NewWriter{
	// fs: 文件系统 Writer（覆盖写/原子替换可配置，同名工件加文件锁）
	"fs": func(raw json.RawMessage) (contract.Writer, error) {
		var opts wfs.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return wfs.New(&opts)
	},
}

// Store 工厂注册表。
var Store = map[string]NewStore{
	"sqlite": func(raw json.RawMessage) (contract.Store, error) {
		var opts sqlite.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return sqlite.New(opts.Path)
	},
}

// Names 返回注册表键的有序列表（用于错误提示与 CLI 帮助）。
func Names[F any](m map[string]F) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
