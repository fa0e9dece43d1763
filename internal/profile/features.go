package profile

import (
	"strconv"
	"strings"
)

// 模块相关特性：任一缺失都意味着需要转换模块格式。
const (
	FeatureScriptTypeModule       = "script_type_module"
	FeatureImportDynamic          = "import_dynamic"
	FeatureImportMeta             = "import_meta"
	FeatureTopLevelAwait          = "top_level_await"
	FeatureGlobalThis             = "global_this"
	FeatureAsyncGeneratorFunction = "async_generator_function"
	FeatureImportTypeJSON         = "import_type_json"

	FeatureImportmap        = "importmap"
	FeatureImportTypeCSS    = "import_type_css"
	FeatureNewStylesheet    = "new_stylesheet"
	FeatureWorkerTypeModule = "worker_type_module"

	FeatureImportAssertions  = "import_assertions"
	FeatureJSONModulesNative = "json_modules_native"

	FeatureForceCompilation = "force_compilation"
)

// moduleFeatures 在任何环境下都是必需的。
var moduleFeatures = []string{
	FeatureScriptTypeModule,
	FeatureImportDynamic,
	FeatureImportMeta,
	FeatureTopLevelAwait,
	FeatureGlobalThis,
	FeatureAsyncGeneratorFunction,
	FeatureImportTypeJSON,
}

// browserFeatures 只有声明为浏览器环境时才需要。
var browserFeatures = []string{
	FeatureImportmap,
	FeatureImportTypeCSS,
	FeatureNewStylesheet,
	FeatureWorkerTypeModule,
}

// formatSensitiveFeatures 缺失其中任何一项时只能输出 systemjs。
var formatSensitiveFeatures = []string{
	FeatureImportDynamic,
	FeatureImportMeta,
	FeatureTopLevelAwait,
	FeatureImportmap,
}

// compatTable 记录各运行时原生支持某特性的最低版本。
var compatTable = map[string]map[string]string{
	FeatureScriptTypeModule:       {"chrome": "61", "edge": "16", "firefox": "60", "safari": "10.1", "opera": "48", "node": "13.2"},
	FeatureImportDynamic:          {"chrome": "63", "edge": "79", "firefox": "67", "safari": "11.1", "opera": "50", "node": "13.2"},
	FeatureImportMeta:             {"chrome": "64", "edge": "79", "firefox": "62", "safari": "11.1", "opera": "51", "node": "10.4"},
	FeatureTopLevelAwait:          {"chrome": "89", "edge": "89", "firefox": "89", "safari": "15", "opera": "75", "node": "14.8"},
	FeatureGlobalThis:             {"chrome": "71", "edge": "79", "firefox": "65", "safari": "12.1", "opera": "58", "node": "12"},
	FeatureAsyncGeneratorFunction: {"chrome": "63", "edge": "79", "firefox": "57", "safari": "12", "opera": "50", "node": "10"},
	FeatureImportTypeJSON:         {"chrome": "91", "edge": "91", "opera": "77", "safari": "17.2", "node": "17.5"},
	FeatureImportmap:              {"chrome": "89", "edge": "89", "firefox": "108", "safari": "16.4", "opera": "76"},
	FeatureImportTypeCSS:          {"chrome": "93", "edge": "93", "opera": "79"},
	FeatureNewStylesheet:          {"chrome": "73", "edge": "79", "firefox": "101", "safari": "16.4", "opera": "60"},
	FeatureWorkerTypeModule:       {"chrome": "80", "edge": "80", "firefox": "114", "safari": "15", "opera": "67"},

	"arrow_function":      {"chrome": "47", "edge": "13", "firefox": "45", "safari": "10", "opera": "34", "node": "6"},
	"object_rest_spread":  {"chrome": "60", "edge": "79", "firefox": "55", "safari": "11.1", "opera": "47", "node": "8.3"},
	"optional_chaining":   {"chrome": "91", "edge": "91", "firefox": "74", "safari": "13.1", "opera": "77", "node": "16.9"},
	"nullish_coalescing":  {"chrome": "80", "edge": "80", "firefox": "72", "safari": "13.1", "opera": "67", "node": "14"},
	"async_await":         {"chrome": "55", "edge": "15", "firefox": "52", "safari": "11", "opera": "42", "node": "7.6"},
	"class_fields":        {"chrome": "74", "edge": "79", "firefox": "90", "safari": "14.1", "opera": "62", "node": "12"},
	"logical_assignment":  {"chrome": "85", "edge": "85", "firefox": "79", "safari": "14", "opera": "71", "node": "15"},
	"numeric_separator":   {"chrome": "75", "edge": "79", "firefox": "70", "safari": "13", "opera": "62", "node": "12.5"},
	"exponent_operator":   {"chrome": "52", "edge": "14", "firefox": "52", "safari": "10.1", "opera": "39", "node": "7"},
	"template_literals":   {"chrome": "41", "edge": "13", "firefox": "34", "safari": "13", "opera": "28", "node": "4"},
	"regenerator":         {"chrome": "50", "edge": "13", "firefox": "53", "safari": "10", "opera": "37", "node": "6"},
	"block_scoping":       {"chrome": "49", "edge": "14", "firefox": "51", "safari": "11", "opera": "36", "node": "6"},
	"destructuring":       {"chrome": "51", "edge": "15", "firefox": "53", "safari": "10", "opera": "38", "node": "6.5"},
	"private_methods":     {"chrome": "84", "edge": "84", "firefox": "90", "safari": "15", "opera": "70", "node": "14.6"},
	"class_static_block":  {"chrome": "94", "edge": "94", "firefox": "93", "safari": "16.4", "opera": "80", "node": "16.11"},
	"json_strings":        {"chrome": "66", "edge": "79", "firefox": "62", "safari": "12", "opera": "53", "node": "10"},
	"optional_catch_bind": {"chrome": "66", "edge": "79", "firefox": "58", "safari": "11.1", "opera": "53", "node": "10"},
}

// implication 表示 requires 全部支持时 implies 也视为支持。
type implication struct {
	requires []string
	implies  string
}

// implications 需要反复应用直到不动点：一条规则的结果可能解锁排在它之前的规则。
var implications = []implication{
	{requires: []string{FeatureImportAssertions, FeatureScriptTypeModule}, implies: FeatureJSONModulesNative},
	{requires: []string{FeatureImportTypeJSON, FeatureImportTypeCSS}, implies: FeatureImportAssertions},
}

// compatSupports 判断 runtime@version 是否在兼容表中原生支持 feature。
func compatSupports(feature, runtime, version string) bool {
	minimums, ok := compatTable[feature]
	if !ok {
		return false
	}
	minimum, ok := minimums[runtime]
	if !ok || version == "" {
		return false
	}
	return compareVersions(version, minimum) >= 0
}

// applyImplications 以不动点方式扩展 supported；denied 中的特性永远不会被推导出来。
func applyImplications(supported map[string]bool, denied map[string]bool, rules []implication) {
	for changed := true; changed; {
		changed = false
		for _, rule := range rules {
			if supported[rule.implies] || denied[rule.implies] {
				continue
			}
			all := true
			for _, req := range rule.requires {
				if !supported[req] {
					all = false
					break
				}
			}
			if all {
				supported[rule.implies] = true
				changed = true
			}
		}
	}
}

// compareVersions 比较点分版本号。浏览器版本不遵循 semver（如 "16.4"、"120.0.6099.109"），
// 缺失的段视为 0，段内只取前导数字。
func compareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		av := versionPart(as, i)
		bv := versionPart(bs, i)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
	}
	return 0
}

func versionPart(parts []string, i int) int {
	if i >= len(parts) {
		return 0
	}
	raw := strings.TrimSpace(parts[i])
	end := 0
	for end < len(raw) && raw[end] >= '0' && raw[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0
	}
	v, err := strconv.Atoi(raw[:end])
	if err != nil {
		return 0
	}
	return v
}
