package mqtt0

import "strings"

// TopicMatches reports whether topic matches filter under standard MQTT
// wildcard rules: `+` matches exactly one level, `#` matches any number of
// trailing levels and must be the filter's last segment, and a `$`-prefixed
// topic (e.g. `$SYS/...`) is never matched by a wildcard at the root level
// (MQTT 3.1.1 §4.7.2).
func TopicMatches(filter, topic string) bool {
	// A wildcard at the filter's root never matches a $-prefixed topic.
	if len(topic) > 0 && topic[0] == '$' {
		firstFilterSeg, _, _ := nextSegment(filter)
		if firstFilterSeg == "+" || firstFilterSeg == "#" {
			return false
		}
	}

	for {
		filterSeg, filterRest, filterDone := nextSegment(filter)
		topicSeg, topicRest, topicDone := nextSegment(topic)

		// `#` matches the remaining levels, including zero of them.
		if filterSeg == "#" && !filterDone {
			return filterRest == ""
		}

		if topicDone || filterDone {
			return topicDone && filterDone
		}
		if filterSeg != "+" && filterSeg != topicSeg {
			return false
		}

		filter, topic = filterRest, topicRest
	}
}

func nextSegment(path string) (seg, rest string, done bool) {
	if path == "" {
		return "", "", true
	}
	idx := strings.IndexByte(path, '/')
	if idx == -1 {
		return path, "", false
	}
	return path[:idx], path[idx+1:], false
}

// ParseSharedTopic splits a shared-subscription filter of the form
// `$share/<group>/<topic-filter>` into its group and underlying filter. It
// returns ok=false for a filter that is not a shared subscription. Group
// must be non-empty and must not contain `/`.
func ParseSharedTopic(filter string) (group, topicFilter string, ok bool) {
	const prefix = "$share/"
	if !strings.HasPrefix(filter, prefix) {
		return "", "", false
	}
	rest := filter[len(prefix):]
	idx := strings.IndexByte(rest, '/')
	if idx <= 0 {
		return "", "", false
	}
	group = rest[:idx]
	topicFilter = rest[idx+1:]
	if topicFilter == "" {
		return "", "", false
	}
	return group, topicFilter, true
}
