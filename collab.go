package modrun

import "context"

// Collaborator interfaces the runtime consumes from the surrounding
// application. None of them are implemented here: the host wires real
// implementations into the Runtime, and the runtime forwards them to module
// contexts, target resolvers and action bodies.

// DatabaseProvider supplies database sessions. Only target resolvers and
// action bodies use sessions; the core itself never touches the database.
// The returned session is opaque to the runtime.
type DatabaseProvider interface {
	Session(ctx context.Context) (any, error)
}

// AuditSink receives audit events from the orchestrator and execution
// contexts. ExecutionID is empty for events not tied to an execution.
type AuditSink interface {
	LogAudit(action string, details map[string]any, actor string, executionID string)
}

// EncryptionProvider encrypts and decrypts opaque blobs for config
// persistence of secret fields. The runtime only forwards blobs; it never
// interprets them.
type EncryptionProvider interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}
