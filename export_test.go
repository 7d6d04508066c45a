package respkv

// FormatLine exposes the default log line format to tests
var FormatLine = formatLine

// ConvertFields exposes key/value pairing to tests
func ConvertFields(kv ...interface{}) []Field { return pairs(kv) }
