package models

// EngineState is the lifecycle state of one engine version instance.
type EngineState string

const (
	StateInstalling EngineState = "INSTALLING"
	StateWaiting    EngineState = "WAITING"
	StateActivating EngineState = "ACTIVATING"
	StateActive     EngineState = "ACTIVE"
	StateSuperseded EngineState = "SUPERSEDED"
	StateFailed     EngineState = "FAILED"
)
