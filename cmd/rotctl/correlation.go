package main

import (
	"strings"
	"sync"

	"github.com/google/uuid"
)

var correlationNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("rotctl"))

var activeCorrelation struct {
	sync.RWMutex
	id string
}

// newCorrelationID names an invocation by its arguments, so the same command
// line always yields the same id and fault records of reruns line up.
func newCorrelationID(arguments []string) string {
	var name strings.Builder
	for index, argument := range arguments {
		if index > 0 {
			name.WriteByte(0x1f)
		}
		name.WriteString(strings.TrimSpace(argument))
	}
	return uuid.NewSHA1(correlationNamespace, []byte(name.String())).String()
}

func setCurrentCorrelationID(correlationID string) {
	activeCorrelation.Lock()
	activeCorrelation.id = strings.TrimSpace(correlationID)
	activeCorrelation.Unlock()
}

func currentCorrelationID() string {
	activeCorrelation.RLock()
	defer activeCorrelation.RUnlock()
	return activeCorrelation.id
}
