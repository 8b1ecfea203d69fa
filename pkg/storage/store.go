// Package storage is the agent's local durable metadata catalog: a single
// bbolt file holding LocalServiceRecords, JobRecords, and the node's own
// certificate authority material.
package storage

import "github.com/tanmoysrt/rdsagent/pkg/types"

// Store is the narrow persistence contract the rest of the agent depends
// on. Kept small and interface-based so tests can swap in an in-memory
// fake instead of a real bbolt file.
type Store interface {
	CreateService(rec *types.LocalServiceRecord) error
	GetService(id string) (*types.LocalServiceRecord, error)
	ListServices() ([]*types.LocalServiceRecord, error)
	DeleteService(id string) error

	CreateJob(job *types.JobRecord) error
	GetJob(id string) (*types.JobRecord, error)
	ListJobs() ([]*types.JobRecord, error)
	UpdateJob(job *types.JobRecord) error

	SaveCA(data []byte) error
	GetCA() ([]byte, error)

	Close() error
}
