package compile

import "fmt"

// DecodeCompileResult 校验并转换未定型的结果（例如外部编译器输出的 JSON）。
// 任何字段类型不符都会返回 *TypeError，而不是静默丢弃。
func DecodeCompileResult(raw map[string]any) (*CompileResult, error) {
	if raw == nil {
		return nil, &TypeError{Field: "result", Reason: "must be an object"}
	}

	contentType, err := requiredString(raw, "contentType")
	if err != nil {
		return nil, err
	}
	content, err := requiredString(raw, "content")
	if err != nil {
		return nil, err
	}

	result := &CompileResult{
		ContentType: contentType,
		Content:     []byte(content),
	}
	if result.Sources, err = optionalStrings(raw, "sources"); err != nil {
		return nil, err
	}
	if result.SourcesContent, err = optionalContents(raw, "sourcesContent"); err != nil {
		return nil, err
	}
	if result.Assets, err = optionalStrings(raw, "assets"); err != nil {
		return nil, err
	}
	if result.AssetsContent, err = optionalContents(raw, "assetsContent"); err != nil {
		return nil, err
	}
	if result.Dependencies, err = optionalStrings(raw, "dependencies"); err != nil {
		return nil, err
	}
	if result.ResponseHeaders, err = optionalHeaders(raw, "responseHeaders"); err != nil {
		return nil, err
	}

	if err := result.Validate(); err != nil {
		return nil, err
	}
	return result, nil
}

func requiredString(raw map[string]any, field string) (string, error) {
	value, ok := raw[field]
	if !ok || value == nil {
		return "", &TypeError{Field: field, Reason: "is required"}
	}
	s, ok := value.(string)
	if !ok {
		return "", &TypeError{Field: field, Reason: fmt.Sprintf("must be a string, got %T", value)}
	}
	return s, nil
}

func optionalStrings(raw map[string]any, field string) ([]string, error) {
	value, ok := raw[field]
	if !ok || value == nil {
		return nil, nil
	}
	switch list := value.(type) {
	case []string:
		return append([]string(nil), list...), nil
	case []any:
		out := make([]string, len(list))
		for i, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, &TypeError{Field: fmt.Sprintf("%s[%d]", field, i), Reason: fmt.Sprintf("must be a string, got %T", item)}
			}
			out[i] = s
		}
		return out, nil
	default:
		return nil, &TypeError{Field: field, Reason: fmt.Sprintf("must be an array, got %T", value)}
	}
}

func optionalContents(raw map[string]any, field string) ([][]byte, error) {
	list, err := optionalStrings(raw, field)
	if err != nil || list == nil {
		return nil, err
	}
	out := make([][]byte, len(list))
	for i, s := range list {
		out[i] = []byte(s)
	}
	return out, nil
}

func optionalHeaders(raw map[string]any, field string) (map[string]string, error) {
	value, ok := raw[field]
	if !ok || value == nil {
		return nil, nil
	}
	switch headers := value.(type) {
	case map[string]string:
		out := make(map[string]string, len(headers))
		for k, v := range headers {
			out[k] = v
		}
		return out, nil
	case map[string]any:
		out := make(map[string]string, len(headers))
		for k, v := range headers {
			s, ok := v.(string)
			if !ok {
				return nil, &TypeError{Field: field + "." + k, Reason: fmt.Sprintf("must be a string, got %T", v)}
			}
			out[k] = s
		}
		return out, nil
	default:
		return nil, &TypeError{Field: field, Reason: fmt.Sprintf("must be an object, got %T", value)}
	}
}
