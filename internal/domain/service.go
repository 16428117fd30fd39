package domain

import "fmt"

// ServiceType identifies a metered provider capability.
type ServiceType string

// Service type constants.
const (
	ServiceSTT       ServiceType = "stt"
	ServiceTTS       ServiceType = "tts"
	ServiceLLM       ServiceType = "llm"
	ServiceEmbedding ServiceType = "embedding"
)

// ServiceTypes lists every known service type.
var ServiceTypes = []ServiceType{ServiceSTT, ServiceTTS, ServiceLLM, ServiceEmbedding}

// ParseServiceType validates a service type name.
func ParseServiceType(s string) (ServiceType, error) {
	st := ServiceType(s)
	if !st.Valid() {
		return "", fmt.Errorf("%w: unknown service type %q", ErrInvalidInput, s)
	}
	return st, nil
}

// Valid reports whether s is a known service type.
func (s ServiceType) Valid() bool {
	switch s {
	case ServiceSTT, ServiceTTS, ServiceLLM, ServiceEmbedding:
		return true
	}
	return false
}

// Identity is the caller identity admission decisions are keyed by.
type Identity string

// Anonymous is used when no caller identity is known.
const Anonymous Identity = "anonymous"
