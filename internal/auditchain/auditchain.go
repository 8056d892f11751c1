// Package auditchain implements the tamper-evident audit trail for evidence
// handling: per-subject hash chains of immutable entries.
//
// Every entry commits to a content hash of its payload, the chain hash of
// the subject's previous entry (NullHash for the first), its timestamp and
// its details. Optionally the chain hash is signed with RSA-PSS. Altering,
// removing or reordering a stored entry breaks the chain, which Verify
// reports as findings rather than errors.
//
// Four Repository implementations are provided:
//   - MemoryRepository: in-process, for testing and development.
//   - PostgresRepository: durable, for production use.
//   - SQLiteRepository: embedded single-file deployments.
//   - BadgerRepository: embedded key-value deployments.
package auditchain
