package utils

import "strings"

// AddToLogMessage appends one step to a request's log trail.
func AddToLogMessage(logMessagesBuilder *strings.Builder, strToAdd string) {
	logMessagesBuilder.Grow(len(strToAdd) + 2)
	logMessagesBuilder.WriteString(strToAdd)
	logMessagesBuilder.WriteString(";\n")
}
