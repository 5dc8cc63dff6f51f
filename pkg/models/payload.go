package models

import (
	"encoding/json"
	"fmt"
)

// Envelope is the outer queue message; Message holds the signal payload as a JSON string
type Envelope struct {
	Message       string `json:"Message"`
	MessageID     string `json:"MessageId,omitempty"`
	ReceiptHandle string `json:"ReceiptHandle,omitempty"`
}

type NamedRef struct {
	Name string `json:"name"`
}

type OncallServiceRef struct {
	ID int `json:"id"`
}

// SignalPayload is the decoded signal body. Raw keeps every field for entity extraction.
type SignalPayload struct {
	ID                 any               `json:"id,omitempty"`
	ExternalID         string            `json:"external_id,omitempty"`
	Variant            string            `json:"variant,omitempty"`
	Project            *NamedRef         `json:"project,omitempty"`
	CasePriority       *NamedRef         `json:"case_priority,omitempty"`
	CaseSeverity       *NamedRef         `json:"case_severity,omitempty"`
	CaseType           *NamedRef         `json:"case_type,omitempty"`
	OncallService      *OncallServiceRef `json:"oncall_service,omitempty"`
	ConversationTarget string            `json:"conversation_target,omitempty"`
	Canary             bool              `json:"canary,omitempty"`

	Raw map[string]any `json:"-"`
}

// DecodeEnvelope decodes the outer envelope and its inner payload
func DecodeEnvelope(body []byte) (*Envelope, *SignalPayload, error) {
	var envelope Envelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if envelope.Message == "" {
		return &envelope, nil, fmt.Errorf("envelope %q has no Message", envelope.MessageID)
	}

	payload, err := DecodePayload([]byte(envelope.Message))
	if err != nil {
		return &envelope, nil, err
	}
	return &envelope, payload, nil
}

// DecodePayload decodes a signal payload
func DecodePayload(body []byte) (*SignalPayload, error) {
	var payload SignalPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode signal payload: %w", err)
	}
	if err := json.Unmarshal(body, &payload.Raw); err != nil {
		return nil, fmt.Errorf("failed to decode signal payload: %w", err)
	}
	return &payload, nil
}

// ProjectName returns the project the payload targets
func (p *SignalPayload) ProjectName() string {
	if p.Project == nil {
		return ""
	}
	return p.Project.Name
}
