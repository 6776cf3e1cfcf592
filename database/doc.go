// Package database provides connection management, units of work
// (SessionProvider and Session), migrations, store error classification,
// query hooks, configuration types and logging built on top of Bun.
package database
