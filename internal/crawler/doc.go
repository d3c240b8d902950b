// Package crawler defines the message types and collaborator interfaces shared
// by the fetch, process, and persistence stages of the workflow pipeline.
package crawler
