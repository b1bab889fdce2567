// Package models defines the persisted entities of tripflow: trip records,
// location zones, uploaded sources and URL batches with their items.
package models
