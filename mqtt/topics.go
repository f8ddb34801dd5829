package mqtt

import "strings"

const statusField = "status"

// Topic builds "<prefix>/<device>/<field>"
func Topic(prefix, device, field string) string {
	return strings.Join([]string{prefix, device, field}, "/")
}

// StatusTopic carries the retained online/offline state of the bridge
func StatusTopic(prefix, device string) string {
	return Topic(prefix, device, statusField)
}
