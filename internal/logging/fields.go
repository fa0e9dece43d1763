package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供编译目录/请求路径/缓存命中等字段，供交付层日志复用。
// compileID 为空表示请求的是未编译的源文件。
func RequestFields(compileID, url, strategy, status string, cacheHit bool) logrus.Fields {
	fields := logrus.Fields{
		"url":            url,
		"strategy":       strategy,
		"compile_status": status,
		"cache_hit":      cacheHit,
	}
	if compileID != "" {
		fields["compile_id"] = compileID
	}
	return fields
}
