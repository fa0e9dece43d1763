package profile

import (
	"encoding/json"
	"sort"
)

// Module output formats.
const (
	FormatESModule = "esmodule"
	FormatSystemJS = "systemjs"
	FormatCommonJS = "commonjs"
	FormatGlobal   = "global"
)

// CompileProfile 是协商出的编译配置。两个 profile 等价当且仅当所有字段深度相等。
type CompileProfile struct {
	MissingFeatures         map[string]any `json:"missingFeatures"`
	ModuleOutFormat         string         `json:"moduleOutFormat"`
	SourcemapMethod         string         `json:"sourcemapMethod,omitempty"`
	SourcemapExcludeSources bool           `json:"sourcemapExcludeSources"`
	EventSourceClient       bool           `json:"eventSourceClient"`
	HTMLSupervisor          bool           `json:"htmlSupervisor"`
	Toolbar                 bool           `json:"toolbar"`
}

// Key 返回 profile 的规范化 JSON 编码，map 键有序，因此值相等的 profile 得到相同的 Key。
func (p CompileProfile) Key() string {
	if p.MissingFeatures == nil {
		p.MissingFeatures = map[string]any{}
	}
	data, err := json.Marshal(p)
	if err != nil {
		// MissingFeatures 的值来自 JSON 或本包常量，不会出现无法编码的类型
		panic("profile: encode key: " + err.Error())
	}
	return string(data)
}

// Equal 判断两个 profile 是否值相等。
func (p CompileProfile) Equal(other CompileProfile) bool {
	return p.Key() == other.Key()
}

// Missing 判断 feature 是否需要转换。
func (p CompileProfile) Missing(feature string) bool {
	_, ok := p.MissingFeatures[feature]
	return ok
}

// NeedsCompilation 表示该 profile 下源文件是否需要经过编译器。
func (p CompileProfile) NeedsCompilation() bool {
	return len(p.MissingFeatures) > 0
}

// MissingList 返回排序后的缺失特性列表，用于日志与诊断输出。
func (p CompileProfile) MissingList() []string {
	out := make([]string, 0, len(p.MissingFeatures))
	for feature := range p.MissingFeatures {
		out = append(out, feature)
	}
	sort.Strings(out)
	return out
}

// Clone 深拷贝 MissingFeatures，避免共享 map 被调用方修改。
func (p CompileProfile) Clone() CompileProfile {
	out := p
	out.MissingFeatures = make(map[string]any, len(p.MissingFeatures))
	for k, v := range p.MissingFeatures {
		out.MissingFeatures[k] = v
	}
	return out
}

// TransformModulesFeature 是非原生模块格式对应的缺失特性名。
func TransformModulesFeature(format string) string {
	return "transform-modules-" + format
}
