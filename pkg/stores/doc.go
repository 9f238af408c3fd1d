// Package stores provides the persistence layer for runs and execution
// records. Records are the audit trail the executor writes synchronously
// after every step transition, so a crashed run can be resumed or audited
// from the database alone.
package stores
