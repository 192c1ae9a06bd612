package statsd

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// metricReplacer maps characters the line protocol reserves onto underscores.
var metricReplacer = strings.NewReplacer(" ", "_", "/", "_", ":", "_", "|", "_", "@", "_", "#", "_")

// tagReplacer strips separators that would split a tag.
var tagReplacer = strings.NewReplacer(",", "_", "|", "_", "#", "_")

func sanitizePrefix(prefix string) string {
	return strings.Trim(strings.TrimSpace(prefix), ".")
}

func normalizeMetricName(name string) string {
	n := metricReplacer.Replace(strings.TrimSpace(name))
	for strings.Contains(n, "..") {
		n = strings.ReplaceAll(n, "..", ".")
	}
	return strings.Trim(n, ".")
}

func joinName(prefix, name string) string {
	n := normalizeMetricName(name)
	switch {
	case n == "":
		return ""
	case prefix == "":
		return n
	default:
		return prefix + "." + n
	}
}

// cleanTags trims keys and values and drops empty keys. It always returns a fresh map.
func cleanTags(tags map[string]string) map[string]string {
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		key := tagReplacer.Replace(strings.TrimSpace(k))
		if key == "" {
			continue
		}
		out[key] = tagReplacer.Replace(strings.TrimSpace(v))
	}
	return out
}

// appendTags writes "|#k:v,..." with local tags overriding global ones, keys sorted.
func appendTags(b *strings.Builder, global, local map[string]string) {
	if len(global) == 0 && len(local) == 0 {
		return
	}
	merged := cleanTags(global)
	for k, v := range cleanTags(local) {
		merged[k] = v
	}
	if len(merged) == 0 {
		return
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	b.WriteString("|#")
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		if v := merged[k]; v != "" {
			b.WriteByte(':')
			b.WriteString(v)
		}
	}
}

// formatLine renders one metric line, or "" when the name normalises to nothing.
func formatLine(prefix, name, value, kind string, global, local map[string]string) string {
	metric := joinName(prefix, name)
	if metric == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(metric) + len(value) + 16)
	b.WriteString(metric)
	b.WriteByte(':')
	b.WriteString(value)
	b.WriteByte('|')
	b.WriteString(kind)
	appendTags(&b, global, local)
	return b.String()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatMillis(d time.Duration) string {
	return formatFloat(float64(d) / float64(time.Millisecond))
}
