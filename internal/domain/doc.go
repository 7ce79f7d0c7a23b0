// Package domain contains the core entities of the task engine: tasks, their
// lifecycle states and legal transitions, worker bookkeeping records, and the
// error taxonomy shared by stores, workers and the control API. It has no
// dependencies on storage or execution infrastructure.
package domain
