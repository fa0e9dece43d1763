package profile

import "strings"

// Options 是服务端协商时使用的静态配置。
type Options struct {
	// TransformFeatures 是编译工具链能够提供的转换能力。
	TransformFeatures []string
	// RequiredFeatures 是额外要求的特性。
	RequiredFeatures []string
	// InjectedFeatures 由服务端始终注入，不参与协商。
	InjectedFeatures []string

	ModuleOutFormat         string
	SourcemapMethod         string
	SourcemapExcludeSources bool
	EventSourceClient       bool
	HTMLSupervisor          bool
	Toolbar                 bool
}

// Negotiate 根据运行时报告计算最小编译配置。该函数是纯函数，不会修改 report。
func Negotiate(report RuntimeReport, opts Options) CompileProfile {
	report = report.Normalize()

	profile := CompileProfile{
		MissingFeatures:         map[string]any{},
		SourcemapMethod:         strings.ToLower(strings.TrimSpace(opts.SourcemapMethod)),
		SourcemapExcludeSources: opts.SourcemapExcludeSources,
		EventSourceClient:       opts.EventSourceClient,
		HTMLSupervisor:          opts.HTMLSupervisor,
		Toolbar:                 opts.Toolbar,
	}

	if report.ForceSource {
		profile.ModuleOutFormat = FormatESModule
		return profile
	}

	required := requiredFeatures(report, opts)
	supported := supportedFeatures(report)

	injected := make(map[string]bool, len(opts.InjectedFeatures))
	for _, feature := range opts.InjectedFeatures {
		injected[normalizeFeature(feature)] = true
	}

	for _, feature := range required {
		if supported[feature] || injected[feature] {
			continue
		}
		profile.MissingFeatures[feature] = true
	}

	profile.ModuleOutFormat = decideFormat(report, opts, profile, supported)
	if profile.ModuleOutFormat != FormatESModule {
		profile.MissingFeatures[TransformModulesFeature(profile.ModuleOutFormat)] = true
	}

	if report.ForceCompilation {
		profile.MissingFeatures[FeatureForceCompilation] = true
	}
	return profile
}

// requiredFeatures 按稳定顺序返回去重后的必需特性。
func requiredFeatures(report RuntimeReport, opts Options) []string {
	seen := map[string]bool{}
	var out []string
	add := func(features ...string) {
		for _, feature := range features {
			feature = normalizeFeature(feature)
			if feature == "" || seen[feature] {
				continue
			}
			seen[feature] = true
			out = append(out, feature)
		}
	}
	add(opts.RequiredFeatures...)
	add(opts.TransformFeatures...)
	add(moduleFeatures...)
	if report.Env.Browser {
		add(browserFeatures...)
	}
	return out
}

// supportedFeatures = 报告为 true 的特性 ∪ 兼容表推导出的特性，再去掉报告明确为 false 的特性。
func supportedFeatures(report RuntimeReport) map[string]bool {
	supported := map[string]bool{}
	denied := map[string]bool{}
	for feature, ok := range report.FeaturesReport {
		if ok {
			supported[feature] = true
		} else {
			denied[feature] = true
		}
	}

	for feature := range compatTable {
		if denied[feature] || supported[feature] {
			continue
		}
		for runtime, version := range report.RuntimeSupport {
			if compatSupports(feature, runtime, version) {
				supported[feature] = true
				break
			}
		}
	}

	applyImplications(supported, denied, implications)
	return supported
}

func decideFormat(report RuntimeReport, opts Options, profile CompileProfile, supported map[string]bool) string {
	if format := strings.ToLower(strings.TrimSpace(opts.ModuleOutFormat)); format != "" {
		return format
	}
	if report.ModuleOutFormat != "" {
		return report.ModuleOutFormat
	}
	if !supported[FeatureScriptTypeModule] {
		return FormatSystemJS
	}
	for _, feature := range formatSensitiveFeatures {
		if profile.Missing(feature) {
			return FormatSystemJS
		}
	}
	return FormatESModule
}
