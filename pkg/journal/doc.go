// Package journal keeps a SQLite record of every mutating call a session
// sends to its authority. A Journal is a tree.Recorder; the history
// command reads it back with List.
package journal
