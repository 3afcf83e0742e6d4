// Package cache is the shared result store between background query tasks
// and the visualizations that read their output.
//
// Results live in Redis under forgehealth:{query}:{repo}, one Arrow IPC blob
// per key. A lookup for several repos is complete only when every repo is
// present. Await polls until then.
//
// Pending markers (forgehealth:pending:{query}:{repo}) are SetNX claims with a
// TTL; every dashboard replica checks them before enqueuing work, so at most
// one replica runs a given (query, repo) at a time.
package cache
