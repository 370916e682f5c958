package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// SessionStatusKey returns the key holding the cross-process status of a session.
func (r *CacheKeyStruct) SessionStatusKey(sessionID string) string {
	return fmt.Sprintf("session:%s:status", sessionID)
}

// SessionAnswersKey returns the hash of a session's autosaved answer drafts.
func (r *CacheKeyStruct) SessionAnswersKey(sessionID string) string {
	return fmt.Sprintf("session:%s:answers", sessionID)
}

// SessionResultKey returns the key holding a completed session until it is persisted.
func (r *CacheKeyStruct) SessionResultKey(sessionID string) string {
	return fmt.Sprintf("session:%s:result", sessionID)
}

// SessionDeviceKey returns the key holding the JTI of the device bound to a session.
func (r *CacheKeyStruct) SessionDeviceKey(sessionID string) string {
	return fmt.Sprintf("session:%s:device", sessionID)
}

// ExamDefinitionKey returns the key caching a full exam definition, answer key included.
func (r *CacheKeyStruct) ExamDefinitionKey(examID string) string {
	return fmt.Sprintf("exam:%s:definition", examID)
}

// ExamMonitorChannel returns the Redis PubSub channel name for an exam monitor
func (r *CacheKeyStruct) ExamMonitorChannel(examID string) string {
	return fmt.Sprintf("exam:%s:monitor", examID)
}

var CacheKey = NewCacheKeyStruct()
