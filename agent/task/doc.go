/*
Package task implements the task registry: a named collection of supervised
child processes. Each task wraps one OS process spawned from a shell command
line, accumulates its stdout and stderr for polling, accepts stdin writes, and
tracks its lifecycle (running -> stopped, exactly once).

The registry is the only shared structure; operations on it are safe for
concurrent use. A task that exits on its own stays in the registry with its
final state and output until it is explicitly stopped.
*/
package task
