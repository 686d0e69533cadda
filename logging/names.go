package logging

const (
	ConnectionManager string = "connection_manager"
	Directory         string = "directory"
	InboundPlaintext  string = "inbound_plaintext"
	PolicyWatcher     string = "policy_watcher"
	RBAC              string = "rbac"
	Telemetry         string = "telemetry"
)
