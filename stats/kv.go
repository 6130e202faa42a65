package stats

import (
	"sort"
)

// Metric tags are key=value pairs.
type KV map[string]string

func (kv KV) WithTag(tagName, tagValue string) KV {
	kvCopy := KV{}
	for k, v := range kv {
		kvCopy[k] = v
	}
	kvCopy[tagName] = tagValue
	return kvCopy
}

// Convert the collection of keys and values into a string with
// {key1=val1,...} format with keys sorted.
func (kv KV) String() string {
	keys := make([]string, 0, len(kv))
	for key := range kv {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var res string
	for i, key := range keys {
		res = res + key + "=" + kv[key]
		if i != len(keys)-1 {
			res = res + ","
		}
	}

	return res
}
