// Package postgres provides the multi-host task store. Engine processes on
// different machines share one PostgreSQL database; claims lock candidate
// rows with FOR UPDATE SKIP LOCKED so concurrent workers never wait on each
// other's picks, and every state change locks the task row it updates.
//
// Connections go through the pgx database/sql driver. Schema migrations are
// embedded and applied with goose on Open.
package postgres
