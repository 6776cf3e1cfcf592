// Package repository provides a generic repository built on Bun: reads by
// equality filter, pagination, inserts, guarded updates and deletes, upserts
// and bulk updates, each usable standalone or inside a caller's session.
package repository
