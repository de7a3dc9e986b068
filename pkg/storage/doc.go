/*
Package storage defines the persistence capability set the control plane
relies on, and nothing more: operators, their registration tokens, and
workers. Two implementations are provided — a bbolt-backed Store for
production use and an in-memory reference Store for tests and ephemeral
single-process deployments — selected once at process startup.

# Buckets (BoltStore)

	operators        operator ID   -> JSON Operator
	operators_by_name lower(username) -> operator ID (uniqueness index)
	tokens           operator ID   -> JSON RegistrationToken
	tokens_by_value  token value   -> operator ID (lookup index for register)
	workers          worker ID     -> JSON Worker
	workers_by_host  hostname|ip   -> worker ID (re-registration index)

All writes that touch more than one bucket (token rotation, worker
re-registration, username changes) happen inside a single bbolt
transaction so the indexes can never drift from the primary record.
*/
package storage
