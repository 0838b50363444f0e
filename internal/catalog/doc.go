// Package catalog defines the entities, work items, collaborator interfaces
// and error taxonomy shared by the sync, fan-out and processing pipeline.
package catalog
