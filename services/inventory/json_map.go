package inventory

import "gorm.io/datatypes"

func mapFromJSONMap(src datatypes.JSONMap) map[string]any {
	if src == nil {
		return nil
	}
	out := make(map[string]any, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
