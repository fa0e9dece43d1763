package profile

import "strings"

// Env 描述运行时所处的环境。
type Env struct {
	Node    bool `json:"node,omitempty"`
	Browser bool `json:"browser,omitempty"`
}

// RuntimeReport 是运行时自报的能力描述，由客户端 POST 到 /__compile_profile__。
type RuntimeReport struct {
	Name             string            `json:"name"`
	Version          string            `json:"version"`
	FeaturesReport   map[string]bool   `json:"featuresReport,omitempty"`
	RuntimeSupport   map[string]string `json:"runtimeSupport,omitempty"`
	Env              Env               `json:"env"`
	ModuleOutFormat  string            `json:"moduleOutFormat,omitempty"`
	ForceCompilation bool              `json:"forceCompilation,omitempty"`
	ForceSource      bool              `json:"forceSource,omitempty"`
}

// Normalize 对字段做防御性的默认化：名称小写、去空格，nil map 变为空 map。
// 畸形的报告永远不会被拒绝。
func (r RuntimeReport) Normalize() RuntimeReport {
	out := r
	out.Name = canonicalRuntime(r.Name)
	out.Version = strings.TrimPrefix(strings.TrimSpace(r.Version), "v")
	out.ModuleOutFormat = strings.ToLower(strings.TrimSpace(r.ModuleOutFormat))

	out.FeaturesReport = make(map[string]bool, len(r.FeaturesReport))
	for feature, supported := range r.FeaturesReport {
		feature = normalizeFeature(feature)
		if feature == "" {
			continue
		}
		out.FeaturesReport[feature] = supported
	}

	out.RuntimeSupport = make(map[string]string, len(r.RuntimeSupport))
	for name, version := range r.RuntimeSupport {
		name = canonicalRuntime(name)
		if name == "" {
			continue
		}
		out.RuntimeSupport[name] = strings.TrimPrefix(strings.TrimSpace(version), "v")
	}
	if out.Name != "" && out.Version != "" {
		if _, ok := out.RuntimeSupport[out.Name]; !ok {
			out.RuntimeSupport[out.Name] = out.Version
		}
	}

	if !out.Env.Browser && !out.Env.Node {
		// 未声明环境时按运行时名称推断
		if out.Name == "node" {
			out.Env.Node = true
		} else if out.Name != "" {
			out.Env.Browser = true
		}
	}
	return out
}

var runtimeAliases = map[string]string{
	"nodejs":   "node",
	"chromium": "chrome",
	"msedge":   "edge",
	"ios":      "safari",
	"ios_saf":  "safari",
	"webkit":   "safari",
}

func canonicalRuntime(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if alias, ok := runtimeAliases[name]; ok {
		return alias
	}
	return name
}

func normalizeFeature(feature string) string {
	return strings.ToLower(strings.TrimSpace(feature))
}
